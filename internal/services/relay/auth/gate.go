// Package auth resolves bearer credentials to chat users and creates
// accounts.
package auth

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/identity"
	"github.com/louisbranch/chatrelay/internal/services/relay/store"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// Gate authenticates connections and registers accounts.
type Gate struct {
	provider identity.Provider
	signIn   identity.PasswordSignIner
	store    store.Store
	logger   *zap.Logger
}

// NewGate wires a Gate. signIn may be nil when password login is not offered.
func NewGate(provider identity.Provider, signIn identity.PasswordSignIner, st store.Store, logger *zap.Logger) *Gate {
	return &Gate{
		provider: provider,
		signIn:   signIn,
		store:    st,
		logger:   logging.OrNop(logger).Named("auth"),
	}
}

// Verify resolves an Authorization header value to the stored user. Every
// failure is an auth error; callers must not register the connection.
func (g *Gate) Verify(ctx context.Context, authorization string) (domain.User, error) {
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return domain.User{}, apperrors.New(apperrors.CodeAuthRequired, "bearer token required")
	}
	bearer := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	if bearer == "" {
		return domain.User{}, apperrors.New(apperrors.CodeAuthRequired, "bearer token required")
	}

	token, err := g.provider.VerifyToken(ctx, bearer)
	if err != nil {
		g.logger.Debug("token rejected", zap.Error(err))
		return domain.User{}, apperrors.Wrap(apperrors.CodeAuthInvalid, "invalid token", err)
	}

	var user domain.User
	err = g.store.Get(ctx, domain.UserPath(token.Subject), &user)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, apperrors.Wrap(apperrors.CodeAuthUnknownSubject, "unknown user", err)
	}
	if err != nil {
		g.logger.Warn("resolve user", zap.String("subject", token.Subject), zap.Error(err))
		return domain.User{}, apperrors.Wrap(apperrors.CodeAuthInvalid, "user lookup failed", err)
	}
	return user.WithKey(token.Subject), nil
}

// SignUp creates an account, stores its profile and returns a custom token
// the client exchanges for an ID token.
func (g *Gate) SignUp(ctx context.Context, name, email, password string) (domain.AuthResult, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" || strings.TrimSpace(password) == "" {
		return domain.AuthResult{}, apperrors.New(apperrors.CodeInvalidArgument, "name, email and password are required")
	}

	subject, err := g.provider.CreateAccount(ctx, email, name, password)
	if errors.Is(err, identity.ErrAccountExists) {
		return domain.AuthResult{}, apperrors.Wrap(apperrors.CodeAccountExists, "account already exists", err)
	}
	if err != nil {
		return domain.AuthResult{}, apperrors.Wrap(apperrors.CodeUnknown, "create account failed", err)
	}

	user := domain.User{ID: subject, Name: name, Email: email}
	if err := g.store.Set(ctx, domain.UserPath(subject), user); err != nil {
		return domain.AuthResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "store user failed", err)
	}

	token, err := g.provider.ExchangeCustomToken(ctx, subject)
	if err != nil {
		return domain.AuthResult{}, apperrors.Wrap(apperrors.CodeUnknown, "issue token failed", err)
	}
	g.logger.Info("account created", zap.String("subject", subject))
	return domain.AuthResult{User: user, Token: token}, nil
}

// Login performs password sign-in and passes the provider result through.
func (g *Gate) Login(ctx context.Context, email, password string) (identity.SignInResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return identity.SignInResult{}, apperrors.New(apperrors.CodeInvalidArgument, "email and password are required")
	}
	if g.signIn == nil {
		return identity.SignInResult{}, apperrors.New(apperrors.CodeUnknown, "password login is not configured")
	}

	result, err := g.signIn.PasswordSignIn(ctx, email, password)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		return identity.SignInResult{}, apperrors.Wrap(apperrors.CodeAuthInvalid, "invalid email or password", err)
	}
	if err != nil {
		return identity.SignInResult{}, apperrors.Wrap(apperrors.CodeUnknown, "sign in failed", err)
	}
	return result, nil
}
