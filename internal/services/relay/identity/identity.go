// Package identity defines the identity provider contract used by the relay.
//
// The relay never verifies token signatures itself; it hands bearer tokens
// to a Provider and trusts the subject that comes back.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrAccountExists is returned when creating an account for an email
	// that is already registered.
	ErrAccountExists = errors.New("identity: account exists")
	// ErrInvalidCredentials is returned by password sign-in for an unknown
	// email or a wrong password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrUnknownSubject is returned when minting a token for a subject the
	// provider does not know.
	ErrUnknownSubject = errors.New("identity: unknown subject")
)

// Token is a verified bearer token.
type Token struct {
	Subject   string
	Claims    map[string]any
	ExpiresAt time.Time
}

// Provider verifies tokens and manages accounts.
type Provider interface {
	VerifyToken(ctx context.Context, bearer string) (Token, error)
	CreateAccount(ctx context.Context, email, name, password string) (string, error)
	ExchangeCustomToken(ctx context.Context, subject string) (string, error)
}

// SignInResult is the provider's password sign-in response, passed to
// clients unchanged.
type SignInResult struct {
	IDToken      string `json:"idToken"`
	Registered   bool   `json:"registered"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

// PasswordSignIner exchanges an email and password for tokens.
type PasswordSignIner interface {
	PasswordSignIn(ctx context.Context, email, password string) (SignInResult, error)
}
