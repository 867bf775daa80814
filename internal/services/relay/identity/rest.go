package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
)

// Error messages the identity REST API uses for bad credentials.
var credentialErrors = map[string]bool{
	"EMAIL_NOT_FOUND":           true,
	"INVALID_PASSWORD":          true,
	"INVALID_LOGIN_CREDENTIALS": true,
	"INVALID_EMAIL":             true,
	"USER_DISABLED":             true,
	"INVALID_CUSTOM_TOKEN":      true,
}

// RESTClient calls the identity provider's accounts REST API.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRESTClient builds a client for baseURL. A nil httpClient gets one with
// the identity request timeout.
func NewRESTClient(baseURL, apiKey string, httpClient *http.Client) (*RESTClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse identity base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.IdentityRequest}
	}
	return &RESTClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}, nil
}

type passwordSignInRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type customTokenSignInRequest struct {
	Token             string `json:"token"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type restErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PasswordSignIn implements PasswordSignIner.
func (c *RESTClient) PasswordSignIn(ctx context.Context, email, password string) (SignInResult, error) {
	return c.signIn(ctx, "signInWithPassword", passwordSignInRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	})
}

// CustomTokenSignIn exchanges a custom token minted at sign-up for an ID
// token.
func (c *RESTClient) CustomTokenSignIn(ctx context.Context, token string) (SignInResult, error) {
	return c.signIn(ctx, "signInWithCustomToken", customTokenSignInRequest{
		Token:             token,
		ReturnSecureToken: true,
	})
}

func (c *RESTClient) signIn(ctx context.Context, method string, body any) (SignInResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return SignInResult{}, fmt.Errorf("encode %s request: %w", method, err)
	}

	endpoint := c.baseURL + "/v1/accounts:" + method
	if c.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.apiKey)
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.IdentityRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return SignInResult{}, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SignInResult{}, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SignInResult{}, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return SignInResult{}, restError(method, resp.StatusCode, raw)
	}

	var result SignInResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SignInResult{}, fmt.Errorf("decode %s response: %w", method, err)
	}
	return result, nil
}

func restError(method string, status int, raw []byte) error {
	var body restErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		return fmt.Errorf("%s status %d", method, status)
	}
	// Messages may carry a detail suffix: "TOO_MANY_ATTEMPTS_TRY_LATER : ...".
	code, _, _ := strings.Cut(body.Error.Message, " ")
	if credentialErrors[code] {
		return fmt.Errorf("%s: %s: %w", method, code, ErrInvalidCredentials)
	}
	return fmt.Errorf("%s status %d: %s", method, status, body.Error.Message)
}

var _ PasswordSignIner = (*RESTClient)(nil)
