package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cytolab.org/internal/ids"
)

// TokenKind restricts which operations accept a token.
type TokenKind string

const (
	KindAccess        TokenKind = "access"
	KindRefresh       TokenKind = "refresh"
	KindEmailVerify   TokenKind = "email-verify"
	KindPasswordReset TokenKind = "password-reset"
)

var allKinds = []TokenKind{KindAccess, KindRefresh, KindEmailVerify, KindPasswordReset}

func (k TokenKind) Valid() bool {
	for _, kind := range allKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// OneTime reports whether tokens of this kind must be consumed exactly once.
func (k TokenKind) OneTime() bool {
	return k == KindEmailVerify || k == KindPasswordReset
}

const (
	defaultIssuer     = "cytolab"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultVerifyTTL  = 24 * time.Hour
	defaultResetTTL   = 30 * time.Minute
)

// Key is one HMAC signing key. The first key configured for a kind signs new
// tokens; every configured key verifies, selected by the kid header.
type Key struct {
	ID     string
	Secret []byte
}

// ParseKeys reads "kid:secret" entries separated by commas. An entry without
// a colon is a bare secret and gets the key id "v1".
func ParseKeys(raw string) ([]Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var keys []Key
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, secret := "v1", entry
		if i := strings.IndexByte(entry, ':'); i > 0 {
			kid, secret = entry[:i], entry[i+1:]
		}
		if secret == "" {
			return nil, fmt.Errorf("%w: empty secret for key %q", ErrInvalidInput, kid)
		}
		if _, dup := seen[kid]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrInvalidInput, kid)
		}
		seen[kid] = struct{}{}
		keys = append(keys, Key{ID: kid, Secret: []byte(secret)})
	}
	return keys, nil
}

// Claims is the decoded payload of a verified token.
type Claims struct {
	ID            string
	Subject       string
	Kind          TokenKind
	IsAdmin       bool
	IsTenantAdmin bool
	TenantID      string
	Email         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Role derives the caller's role from the role flags.
func (c *Claims) Role() Role {
	if c == nil || c.Subject == "" {
		return RoleAnonymous
	}
	return RoleOf(c.IsAdmin, c.IsTenantAdmin)
}

// wireClaims is the signed JSON payload. Role flags are pointers so a missing
// field can be told apart from false.
type wireClaims struct {
	Kind          TokenKind `json:"kind"`
	IsAdmin       *bool     `json:"adm,omitempty"`
	IsTenantAdmin *bool     `json:"tadm,omitempty"`
	TenantID      string    `json:"tid,omitempty"`
	Email         string    `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 tokens with one keyring per kind.
type TokenService struct {
	keys   map[TokenKind][]Key
	ttls   map[TokenKind]time.Duration
	issuer string
	now    func() time.Time
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithKeys sets the keyring for a token kind.
func WithKeys(kind TokenKind, keys ...Key) TokenOption {
	return func(s *TokenService) error {
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
		}
		for _, k := range keys {
			if k.ID == "" || len(k.Secret) == 0 {
				return fmt.Errorf("%w: key id and secret are required", ErrInvalidInput)
			}
		}
		s.keys[kind] = append([]Key(nil), keys...)
		return nil
	}
}

// WithSecret parses a "kid:secret,..." list for kind. An empty value leaves
// the kind unconfigured; Issue then fails with ErrConfig.
func WithSecret(kind TokenKind, raw string) TokenOption {
	return func(s *TokenService) error {
		keys, err := ParseKeys(raw)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return WithKeys(kind, keys...)(s)
	}
}

// WithTTL overrides the default lifetime for kind.
func WithTTL(kind TokenKind, ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.ttls[kind] = ttl
		}
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithTokenClock overrides time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs TokenService with optional configuration.
func NewTokenService(opts ...TokenOption) (*TokenService, error) {
	s := &TokenService{
		keys:   make(map[TokenKind][]Key),
		issuer: defaultIssuer,
		now:    time.Now,
		ttls: map[TokenKind]time.Duration{
			KindAccess:        defaultAccessTTL,
			KindRefresh:       defaultRefreshTTL,
			KindEmailVerify:   defaultVerifyTTL,
			KindPasswordReset: defaultResetTTL,
		},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the configured lifetime for kind.
func (s *TokenService) TTL(kind TokenKind) time.Duration {
	return s.ttls[kind]
}

// Issue signs claims as a token of the given kind valid for ttl.
func (s *TokenService) Issue(kind TokenKind, claims Claims, ttl time.Duration) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}
	keys := s.keys[kind]
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: %s", ErrConfig, kind)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject is required", ErrMalformedClaims)
	}
	if kind.OneTime() && strings.TrimSpace(claims.Email) == "" {
		return "", fmt.Errorf("%w: email is required for %s tokens", ErrMalformedClaims, kind)
	}

	now := s.now().UTC().Truncate(time.Second)
	wire := wireClaims{
		Kind:     kind,
		TenantID: claims.TenantID,
		Email:    claims.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        ids.New(),
		},
	}
	if kind == KindAccess {
		admin, tenantAdmin := claims.IsAdmin, claims.IsTenantAdmin
		wire.IsAdmin = &admin
		wire.IsTenantAdmin = &tenantAdmin
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, wire)
	token.Header["kid"] = keys[0].ID
	signed, err := token.SignedString(keys[0].Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and kind, and returns the decoded claims.
func (s *TokenService) Verify(token string, expected TokenKind) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	keys := s.keys[expected]
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConfig, expected)
	}

	var wire wireClaims
	_, err := jwt.ParseWithClaims(token, &wire, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range keys {
			if k.ID == kid {
				return k.Secret, nil
			}
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	default:
		return nil, ErrInvalidToken
	}

	if wire.Kind != expected {
		return nil, ErrInvalidToken
	}
	return wire.claims()
}

// Authenticate verifies an access token. Every failure is reported as
// ErrUnauthorized wrapping the token error.
func (s *TokenService) Authenticate(_ context.Context, token string) (*Claims, error) {
	claims, err := s.Verify(token, KindAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims, nil
}

func (w *wireClaims) claims() (*Claims, error) {
	if strings.TrimSpace(w.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrMalformedClaims)
	}
	c := &Claims{
		ID:       w.ID,
		Subject:  w.Subject,
		Kind:     w.Kind,
		TenantID: w.TenantID,
		Email:    w.Email,
	}
	if w.IssuedAt != nil {
		c.IssuedAt = w.IssuedAt.Time
	}
	if w.ExpiresAt != nil {
		c.ExpiresAt = w.ExpiresAt.Time
	}
	switch {
	case w.Kind == KindAccess:
		if w.IsAdmin == nil || w.IsTenantAdmin == nil {
			return nil, fmt.Errorf("%w: role flags missing", ErrMalformedClaims)
		}
		c.IsAdmin, c.IsTenantAdmin = *w.IsAdmin, *w.IsTenantAdmin
		if c.IsTenantAdmin && !c.IsAdmin && c.TenantID == "" {
			return nil, fmt.Errorf("%w: tenant admin without tenant", ErrMalformedClaims)
		}
	case w.Kind.OneTime():
		if strings.TrimSpace(w.Email) == "" {
			return nil, fmt.Errorf("%w: email missing", ErrMalformedClaims)
		}
	}
	return c, nil
}
