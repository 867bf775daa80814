package local

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/louisbranch/chatrelay/internal/services/relay/identity"
)

const maxRequestBytes = 64 * 1024

type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type customTokenRequest struct {
	Token string `json:"token"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler serves the accounts sign-in REST endpoints.
func (p *Provider) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/accounts:signInWithPassword", p.handlePasswordSignIn)
	mux.HandleFunc("POST /v1/accounts:signInWithCustomToken", p.handleCustomTokenSignIn)
	return mux
}

func (p *Provider) handlePasswordSignIn(w http.ResponseWriter, r *http.Request) {
	if !p.checkAPIKey(w, r) {
		return
	}
	var req passwordRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_EMAIL")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PASSWORD")
		return
	}

	result, err := p.PasswordSignIn(r.Context(), req.Email, req.Password)
	writeResult(w, result, err)
}

func (p *Provider) handleCustomTokenSignIn(w http.ResponseWriter, r *http.Request) {
	if !p.checkAPIKey(w, r) {
		return
	}
	var req customTokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	result, err := p.SignInWithCustomToken(r.Context(), req.Token)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		writeError(w, http.StatusBadRequest, "INVALID_CUSTOM_TOKEN")
		return
	}
	writeResult(w, result, err)
}

func (p *Provider) checkAPIKey(w http.ResponseWriter, r *http.Request) bool {
	if p.apiKey == "" || r.URL.Query().Get("key") == p.apiKey {
		return true
	}
	writeError(w, http.StatusBadRequest, "API_KEY_INVALID")
	return false
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON_PAYLOAD")
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, result identity.SignInResult, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "INVALID_LOGIN_CREDENTIALS")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: status, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
