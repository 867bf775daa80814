package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/identity"
	"github.com/louisbranch/chatrelay/internal/services/relay/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	subjects  map[string]string
	created   []string
	createErr error
}

func (f *fakeProvider) VerifyToken(_ context.Context, bearer string) (identity.Token, error) {
	subject, ok := f.subjects[bearer]
	if !ok {
		return identity.Token{}, identity.ErrInvalidToken
	}
	return identity.Token{Subject: subject}, nil
}

func (f *fakeProvider) CreateAccount(_ context.Context, email, _, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, email)
	return "sub-" + email, nil
}

func (f *fakeProvider) ExchangeCustomToken(_ context.Context, subject string) (string, error) {
	return "custom-" + subject, nil
}

type fakeSignIn struct {
	result identity.SignInResult
	err    error
}

func (f fakeSignIn) PasswordSignIn(context.Context, string, string) (identity.SignInResult, error) {
	return f.result, f.err
}

func newTestGate(t *testing.T, provider *fakeProvider, signIn identity.PasswordSignIner) (*Gate, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "store.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewGate(provider, signIn, st, nil), st
}

func TestVerifyResolvesStoredUser(t *testing.T) {
	provider := &fakeProvider{subjects: map[string]string{"good": "u1"}}
	gate, st := newTestGate(t, provider, nil)
	require.NoError(t, st.Set(context.Background(), domain.UserPath("u1"), domain.User{Name: "Ana"}))

	user, err := gate.Verify(context.Background(), "Bearer good")
	require.NoError(t, err)
	assert.Equal(t, domain.User{ID: "u1", Name: "Ana"}, user)
}

func TestVerifyFailures(t *testing.T) {
	provider := &fakeProvider{subjects: map[string]string{"orphan": "u404"}}
	gate, _ := newTestGate(t, provider, nil)

	tests := []struct {
		name   string
		header string
		code   apperrors.Code
	}{
		{name: "missing header", header: "", code: apperrors.CodeAuthRequired},
		{name: "wrong scheme", header: "Basic abc", code: apperrors.CodeAuthRequired},
		{name: "empty token", header: "Bearer  ", code: apperrors.CodeAuthRequired},
		{name: "invalid token", header: "Bearer bad", code: apperrors.CodeAuthInvalid},
		{name: "unknown subject", header: "Bearer orphan", code: apperrors.CodeAuthUnknownSubject},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := gate.Verify(context.Background(), tc.header)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperrors.CodeOf(err))
			assert.Equal(t, 401, apperrors.CodeOf(err).HTTPStatus())
		})
	}
}

func TestSignUpStoresProfileAndReturnsToken(t *testing.T) {
	provider := &fakeProvider{}
	gate, st := newTestGate(t, provider, nil)

	result, err := gate.SignUp(context.Background(), " Ana ", "ana@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "custom-sub-ana@example.com", result.Token)
	assert.Equal(t, domain.User{ID: "sub-ana@example.com", Name: "Ana", Email: "ana@example.com"}, result.User)

	var stored domain.User
	require.NoError(t, st.Get(context.Background(), domain.UserPath("sub-ana@example.com"), &stored))
	assert.Equal(t, "Ana", stored.Name)
}

func TestSignUpValidation(t *testing.T) {
	provider := &fakeProvider{}
	gate, _ := newTestGate(t, provider, nil)

	_, err := gate.SignUp(context.Background(), "", "a@b.c", "pw")
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
	assert.Empty(t, provider.created)
}

func TestSignUpExistingAccount(t *testing.T) {
	provider := &fakeProvider{createErr: identity.ErrAccountExists}
	gate, _ := newTestGate(t, provider, nil)

	_, err := gate.SignUp(context.Background(), "Ana", "a@b.c", "pw")
	assert.Equal(t, apperrors.CodeAccountExists, apperrors.CodeOf(err))
}

func TestLoginPassesResultThrough(t *testing.T) {
	want := identity.SignInResult{IDToken: "id", RefreshToken: "r", ExpiresIn: "3600", Registered: true}
	gate, _ := newTestGate(t, &fakeProvider{}, fakeSignIn{result: want})

	got, err := gate.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoginErrors(t *testing.T) {
	gate, _ := newTestGate(t, &fakeProvider{}, fakeSignIn{err: identity.ErrInvalidCredentials})
	_, err := gate.Login(context.Background(), "a@b.c", "pw")
	assert.Equal(t, apperrors.CodeAuthInvalid, apperrors.CodeOf(err))

	_, err = gate.Login(context.Background(), "", "pw")
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))

	gate, _ = newTestGate(t, &fakeProvider{}, fakeSignIn{err: errors.New("network down")})
	_, err = gate.Login(context.Background(), "a@b.c", "pw")
	assert.Equal(t, apperrors.CodeUnknown, apperrors.CodeOf(err))

	gate, _ = newTestGate(t, &fakeProvider{}, nil)
	_, err = gate.Login(context.Background(), "a@b.c", "pw")
	require.Error(t, err)
}
