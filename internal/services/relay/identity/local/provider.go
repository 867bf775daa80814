// Package local is a self-contained identity provider: accounts in SQLite,
// bcrypt password hashes and HS256 JWTs.
//
// It stands in for a hosted provider in single-binary deployments and tests,
// and serves the same accounts REST endpoints the identity.RESTClient calls.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/louisbranch/chatrelay/internal/platform/storage/sqlitedb"
	"github.com/louisbranch/chatrelay/internal/services/relay/identity"
	"github.com/louisbranch/chatrelay/internal/services/relay/identity/local/migrations"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTokenTTL   = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
	minSigningKeySize = 32
)

// Token uses.
const (
	useID      = "id"
	useCustom  = "custom"
	useRefresh = "refresh"
)

// Config configures a Provider.
type Config struct {
	DBPath     string
	SigningKey []byte
	Issuer     string
	Audience   string
	// APIKey, when set, must accompany REST sign-in calls as ?key=.
	APIKey     string
	TokenTTL   time.Duration
	RefreshTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Clock      clock.Clock
}

// Provider implements identity.Provider and identity.PasswordSignIner.
type Provider struct {
	db         *sql.DB
	key        []byte
	issuer     string
	audience   string
	apiKey     string
	tokenTTL   time.Duration
	refreshTTL time.Duration
	cost       int
	clock      clock.Clock
}

type claims struct {
	jwt.RegisteredClaims
	Use   string `json:"token_use"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type account struct {
	subject      string
	email        string
	name         string
	passwordHash string
}

// Open opens the account database and validates cfg.
func Open(ctx context.Context, cfg Config) (*Provider, error) {
	if len(cfg.SigningKey) < minSigningKeySize {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minSigningKeySize)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, errors.New("token issuer and audience are required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	db, err := sqlitedb.Open(ctx, cfg.DBPath, migrations.FS)
	if err != nil {
		return nil, err
	}
	return &Provider{
		db:         db,
		key:        cfg.SigningKey,
		issuer:     issuer,
		audience:   audience,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		tokenTTL:   cfg.TokenTTL,
		refreshTTL: cfg.RefreshTTL,
		cost:       cfg.BcryptCost,
		clock:      cfg.Clock,
	}, nil
}

// Close closes the account database.
func (p *Provider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// VerifyToken accepts ID tokens only.
func (p *Provider) VerifyToken(_ context.Context, bearer string) (identity.Token, error) {
	parsed, err := p.parse(bearer, useID)
	if err != nil {
		return identity.Token{}, err
	}
	token := identity.Token{
		Subject: parsed.Subject,
		Claims: map[string]any{
			"token_use": parsed.Use,
			"name":      parsed.Name,
			"email":     parsed.Email,
		},
	}
	if parsed.ExpiresAt != nil {
		token.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return token, nil
}

// CreateAccount registers email and returns the new subject.
func (p *Provider) CreateAccount(ctx context.Context, email, name, password string) (string, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || name == "" || password == "" {
		return "", errors.New("email, name and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	subject := uuid.NewString()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO accounts (subject, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		subject, email, name, string(hash), p.clock.Now().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", identity.ErrAccountExists
		}
		return "", fmt.Errorf("insert account: %w", err)
	}
	return subject, nil
}

// ExchangeCustomToken mints a short lived custom token for subject.
func (p *Provider) ExchangeCustomToken(ctx context.Context, subject string) (string, error) {
	acct, err := p.accountBy(ctx, "subject", subject)
	if errors.Is(err, sql.ErrNoRows) {
		return "", identity.ErrUnknownSubject
	}
	if err != nil {
		return "", err
	}
	return p.sign(acct, useCustom, p.tokenTTL)
}

// PasswordSignIn implements identity.PasswordSignIner.
func (p *Provider) PasswordSignIn(ctx context.Context, email, password string) (identity.SignInResult, error) {
	acct, err := p.accountBy(ctx, "email", normalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.SignInResult{}, identity.ErrInvalidCredentials
	}
	if err != nil {
		return identity.SignInResult{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(password)) != nil {
		return identity.SignInResult{}, identity.ErrInvalidCredentials
	}
	return p.session(acct)
}

// SignInWithCustomToken trades a custom token for an ID token.
func (p *Provider) SignInWithCustomToken(ctx context.Context, token string) (identity.SignInResult, error) {
	parsed, err := p.parse(token, useCustom)
	if err != nil {
		return identity.SignInResult{}, identity.ErrInvalidCredentials
	}
	acct, err := p.accountBy(ctx, "subject", parsed.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.SignInResult{}, identity.ErrInvalidCredentials
	}
	if err != nil {
		return identity.SignInResult{}, err
	}
	return p.session(acct)
}

func (p *Provider) session(acct account) (identity.SignInResult, error) {
	idToken, err := p.sign(acct, useID, p.tokenTTL)
	if err != nil {
		return identity.SignInResult{}, err
	}
	refresh, err := p.sign(acct, useRefresh, p.refreshTTL)
	if err != nil {
		return identity.SignInResult{}, err
	}
	return identity.SignInResult{
		IDToken:      idToken,
		Registered:   true,
		RefreshToken: refresh,
		ExpiresIn:    strconv.FormatInt(int64(p.tokenTTL/time.Second), 10),
	}, nil
}

func (p *Provider) sign(acct account, use string, ttl time.Duration) (string, error) {
	now := p.clock.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   acct.subject,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Use: use,
	}
	if use == useID {
		c.Name = acct.name
		c.Email = acct.email
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return signed, nil
}

func (p *Provider) parse(raw string, use string) (claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return claims{}, identity.ErrInvalidToken
	}
	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return p.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil {
		return claims{}, fmt.Errorf("%w: %w", identity.ErrInvalidToken, err)
	}
	if parsed.Use != use || strings.TrimSpace(parsed.Subject) == "" {
		return claims{}, identity.ErrInvalidToken
	}
	return parsed, nil
}

func (p *Provider) accountBy(ctx context.Context, column, value string) (account, error) {
	var acct account
	query := `SELECT subject, email, name, password_hash FROM accounts WHERE ` + column + ` = ?`
	err := p.db.QueryRowContext(ctx, query, value).Scan(&acct.subject, &acct.email, &acct.name, &acct.passwordHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return account{}, fmt.Errorf("load account: %w", err)
	}
	return acct, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var (
	_ identity.Provider         = (*Provider)(nil)
	_ identity.PasswordSignIner = (*Provider)(nil)
)
