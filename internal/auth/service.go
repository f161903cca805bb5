package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cytolab.org/internal/obs"
)

// Mailer delivers notifications. Send errors are logged by the caller and
// never change the outcome of the operation that triggered them.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Service implements the identity flows on top of Store and TokenService.
type Service struct {
	store   Store
	tokens  *TokenService
	hasher  *PasswordHasher
	mailer  Mailer
	tenants TenantDirectory
	baseURL string
	now     func() time.Time
	log     zerolog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		s.mailer = m
		return nil
	}
}

func WithHasher(h *PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithTenantDirectory enables existence checks on tenant reassignment.
func WithTenantDirectory(d TenantDirectory) ServiceOption {
	return func(s *Service) error {
		s.tenants = d
		return nil
	}
}

// WithPublicBaseURL sets the base used for links in verification and reset emails.
func WithPublicBaseURL(raw string) ServiceOption {
	return func(s *Service) error {
		raw = strings.TrimRight(strings.TrimSpace(raw), "/")
		if raw == "" {
			return nil
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("auth: public base url: %w", err)
		}
		s.baseURL = raw
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil {
		return nil, errors.New("auth: store and token service are required")
	}
	svc := &Service{
		store:   store,
		tokens:  tokens,
		hasher:  NewPasswordHasher(0),
		baseURL: "http://localhost:8080",
		now:     time.Now,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Tokens exposes the token service used by this Service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// RegisterInput carries the fields accepted at registration. Role flags and
// tenant affiliation are never taken from self-registration.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FullName  string
	ContactNo string
}

// Register creates an unverified identity and sends a verification email.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Identity, error) {
	id, err := s.newIdentity(in)
	if err != nil {
		return nil, err
	}
	if err := s.store.Identities(ctx).Create(ctx, id); err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", id.ID).Msg("identity registered")

	if err := s.sendOneTime(ctx, id, KindEmailVerify); err != nil {
		// The identity exists; the caller can ask for a new link.
		s.log.Error().Err(err).Str("user_id", id.ID).Msg("issue verification token")
	}
	return id, nil
}

// CreateSuperAdmin creates a verified superadmin without a tenant. It backs
// the operator CLI and is not exposed over HTTP.
func (s *Service) CreateSuperAdmin(ctx context.Context, in RegisterInput) (*Identity, error) {
	id, err := s.newIdentity(in)
	if err != nil {
		return nil, err
	}
	id.Verified = true
	id.IsAdmin = true
	if err := s.store.Identities(ctx).Create(ctx, id); err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", id.ID).Msg("superadmin created")
	return id, nil
}

func (s *Service) newIdentity(in RegisterInput) (*Identity, error) {
	username := strings.TrimSpace(in.Username)
	if l := len(username); l < 3 || l > 64 {
		return nil, fmt.Errorf("%w: username must be 3-64 characters", ErrInvalidInput)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Username:     username,
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		ContactNo:    strings.TrimSpace(in.ContactNo),
		PasswordHash: hash,
	}, nil
}

// ResendVerification issues a fresh verification link. Unknown or already
// verified addresses are ignored so the endpoint cannot probe accounts.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	id, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if id.Verified {
		return nil
	}
	return s.sendOneTime(ctx, id, KindEmailVerify)
}

// VerifyEmail consumes a verification token and marks the identity verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*Identity, error) {
	claims, err := s.consume(ctx, token, KindEmailVerify)
	if err != nil {
		return nil, err
	}
	ids := s.store.Identities(ctx)
	id, err := ids.Find(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(id.Email, claims.Email) {
		// email changed since the link was sent
		return nil, ErrInvalidToken
	}
	if err := ids.MarkVerified(ctx, id.ID); err != nil {
		return nil, err
	}
	id.Verified = true
	return id, nil
}

// Login checks credentials and returns an access and refresh token pair.
// The login name may be a username or an email address.
func (s *Service) Login(ctx context.Context, login, password string) (TokenPair, *Identity, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	ids := s.store.Identities(ctx)
	var (
		id  *Identity
		err error
	)
	if strings.Contains(login, "@") {
		id, err = ids.FindByEmail(ctx, strings.ToLower(login))
	} else {
		id, err = ids.FindByUsername(ctx, login)
	}
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !s.hasher.Verify(id.PasswordHash, password) {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if !id.Verified {
		return TokenPair{}, nil, ErrNotVerified
	}
	pair, err := s.issuePair(id)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, id, nil
}

// Refresh exchanges a refresh token for a new pair. Role flags and tenant are
// reloaded so changes made since login take effect.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Verify(refreshToken, KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	id, err := s.store.Identities(ctx).Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrInvalidToken
	}
	if err != nil {
		return TokenPair{}, err
	}
	if !id.Verified {
		return TokenPair{}, ErrNotVerified
	}
	return s.issuePair(id)
}

// RequestPasswordReset emails a single-use reset link when the address
// belongs to an identity. It reports success either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	id, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.sendOneTime(ctx, id, KindPasswordReset)
}

// ResetPassword consumes a reset token and stores the new password. The
// password is validated first so a rejected password does not burn the token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	claims, err := s.consume(ctx, token, KindPasswordReset)
	if err != nil {
		return err
	}
	ids := s.store.Identities(ctx)
	id, err := ids.Find(ctx, claims.Subject)
	if err != nil {
		return err
	}
	if !strings.EqualFold(id.Email, claims.Email) {
		return ErrInvalidToken
	}
	if err := ids.UpdatePassword(ctx, id.ID, hash); err != nil {
		return err
	}
	s.log.Info().Str("user_id", id.ID).Msg("password reset")
	return nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	ids := s.store.Identities(ctx)
	id, err := ids.Find(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(id.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	return ids.UpdatePassword(ctx, id.ID, hash)
}

// Profile returns the identity for userID.
func (s *Service) Profile(ctx context.Context, userID string) (*Identity, error) {
	return s.store.Identities(ctx).Find(ctx, userID)
}

// UpdateProfile applies self-service profile changes.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*Identity, error) {
	if upd.FullName != nil {
		v := strings.TrimSpace(*upd.FullName)
		upd.FullName = &v
	}
	if upd.ContactNo != nil {
		v := strings.TrimSpace(*upd.ContactNo)
		upd.ContactNo = &v
	}
	return s.store.Identities(ctx).UpdateProfile(ctx, userID, upd)
}

// AssignTenant changes an identity's tenant reference and tenant-admin flag.
// A superadmin may change any identity. A tenant-admin may only change
// identities currently in their own tenant, may only keep them there or
// release them, and may never change themselves.
func (s *Service) AssignTenant(ctx context.Context, actor *Claims, targetID, tenantID string, tenantAdmin bool) (*Identity, error) {
	if actor.Role() == RoleAnonymous {
		return nil, ErrUnauthorized
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" && tenantAdmin {
		return nil, fmt.Errorf("%w: tenant admin requires a tenant", ErrInvalidInput)
	}
	ids := s.store.Identities(ctx)
	target, err := ids.Find(ctx, targetID)
	if err != nil {
		return nil, err
	}

	if err := Can(actor, ActionIdentityTenant, target.TenantID).Err(); err != nil {
		return nil, err
	}
	// A tenant admin only manages other members of their own tenant and
	// cannot move them out of it.
	if actor.Role() != RoleSuperAdmin {
		if actor.Subject == target.ID || target.IsAdmin || target.TenantID == "" {
			return nil, ErrForbidden
		}
		if tenantID != "" && tenantID != actor.TenantID {
			return nil, ErrForbidden
		}
	}

	if tenantID != "" && s.tenants != nil {
		ok, err := s.tenants.TenantExists(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
		}
	}
	updated, err := ids.SetTenant(ctx, target.ID, tenantID, tenantAdmin)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("actor_id", actor.Subject).
		Str("user_id", target.ID).
		Str("tenant_id", tenantID).
		Bool("tenant_admin", tenantAdmin).
		Msg("tenant reassigned")
	return updated, nil
}

// SweepExpired deletes one-time records that expired before now.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.OneTime(ctx).DeleteExpired(ctx, s.now().UTC())
}

func (s *Service) issuePair(id *Identity) (TokenPair, error) {
	claims := id.AccessClaims()
	access, err := s.tokens.Issue(KindAccess, claims, s.tokens.TTL(KindAccess))
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.tokens.Issue(KindRefresh, Claims{Subject: id.ID}, s.tokens.TTL(KindRefresh))
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.tokens.TTL(KindAccess) / time.Second),
	}, nil
}

// sendOneTime issues a one-time token, persists its record and emails the
// link. Mail failures are logged only.
func (s *Service) sendOneTime(ctx context.Context, id *Identity, kind TokenKind) error {
	ttl := s.tokens.TTL(kind)
	token, err := s.tokens.Issue(kind, Claims{Subject: id.ID, Email: id.Email}, ttl)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	rec := &OneTimeRecord{
		Kind:      kind,
		Email:     id.Email,
		TokenHash: hashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.OneTime(ctx).Create(ctx, rec); err != nil {
		return err
	}

	subject, body := s.message(kind, token)
	if s.mailer == nil {
		return nil
	}
	if err := s.mailer.Send(ctx, id.Email, subject, body); err != nil {
		s.log.Warn().Err(err).Str("user_id", id.ID).Str("kind", string(kind)).Msg("notification failed")
	}
	return nil
}

func (s *Service) consume(ctx context.Context, token string, kind TokenKind) (*Claims, error) {
	claims, err := s.tokens.Verify(token, kind)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.OneTime(ctx).Consume(ctx, kind, hashToken(token))
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(rec.Email, claims.Email) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) message(kind TokenKind, token string) (subject, body string) {
	q := url.Values{"token": {token}}.Encode()
	switch kind {
	case KindPasswordReset:
		link := s.baseURL + "/reset-password?" + q
		return "Reset your password",
			"A password reset was requested for your account.\n\n" +
				"Open the link below to choose a new password:\n" + link + "\n\n" +
				"The link expires in " + s.tokens.TTL(kind).String() + " and works once. " +
				"If you did not ask for this, ignore this email."
	default:
		link := s.baseURL + "/verify-email?" + q
		return "Verify your email",
			"Welcome to Cytolab.\n\nConfirm your email address by opening:\n" + link + "\n\n" +
				"The link expires in " + s.tokens.TTL(kind).String() + "."
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}
