package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/louisbranch/chatrelay/internal/services/relay/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesRESTClient(t *testing.T) {
	p := openTestProvider(t, nil)
	p.apiKey = "k1"
	ctx := context.Background()

	subject, err := p.CreateAccount(ctx, "dee@example.com", "Dee", "pw")
	require.NoError(t, err)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	client, err := identity.NewRESTClient(srv.URL, "k1", srv.Client())
	require.NoError(t, err)

	result, err := client.PasswordSignIn(ctx, "dee@example.com", "pw")
	require.NoError(t, err)
	token, err := p.VerifyToken(ctx, result.IDToken)
	require.NoError(t, err)
	assert.Equal(t, subject, token.Subject)

	_, err = client.PasswordSignIn(ctx, "dee@example.com", "nope")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	custom, err := p.ExchangeCustomToken(ctx, subject)
	require.NoError(t, err)
	exchanged, err := client.CustomTokenSignIn(ctx, custom)
	require.NoError(t, err)
	assert.NotEmpty(t, exchanged.IDToken)

	_, err = client.CustomTokenSignIn(ctx, "garbage")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestHandlerRejectsWrongAPIKey(t *testing.T) {
	p := openTestProvider(t, nil)
	p.apiKey = "k1"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts:signInWithPassword?key=bad", strings.NewReader(`{}`))
	p.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "API_KEY_INVALID")
}

func TestHandlerRejectsBadPayload(t *testing.T) {
	p := openTestProvider(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts:signInWithPassword", strings.NewReader(`{`))
	p.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_JSON_PAYLOAD")
}
