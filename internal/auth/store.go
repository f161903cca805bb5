package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	OneTime(ctx context.Context) OneTimeStore
}

// IdentityStore manages identities. Lookups return ErrNotFound when absent
// and Create returns ErrConflict on a duplicate username or email.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByUsername(ctx context.Context, username string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	MarkVerified(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Identity, error)
	SetTenant(ctx context.Context, id, tenantID string, tenantAdmin bool) (*Identity, error)
}

// OneTimeStore manages single-use token records.
type OneTimeStore interface {
	Create(ctx context.Context, rec *OneTimeRecord) error
	// Consume marks the record used. It returns ErrTokenUsed when the record
	// was already consumed and ErrInvalidToken when it does not exist.
	Consume(ctx context.Context, kind TokenKind, tokenHash string) (*OneTimeRecord, error)
	// DeleteExpired removes records that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TenantDirectory answers whether a tenant exists.
type TenantDirectory interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
}
