package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"cytolab.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Identities(context.Context) IdentityStore { return &identityStore{db: s.db} }
func (s *PGStore) OneTime(context.Context) OneTimeStore     { return &oneTimeStore{db: s.db} }

// Identity store -----------------------------------------------------------
type identityStore struct{ db *sql.DB }

const identityColumns = `id, username, email, full_name, contact_no, password_hash,
	verified, is_admin, is_tenant_admin, coalesce(tenant_id::text, ''), created_at, updated_at`

func (s *identityStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.NewUUID()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into identities(id, username, email, full_name, contact_no, password_hash,
			verified, is_admin, is_tenant_admin, tenant_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,'')::uuid)
		returning created_at, updated_at`,
		id.ID, id.Username, strings.ToLower(id.Email), id.FullName, id.ContactNo, id.PasswordHash,
		id.Verified, id.IsAdmin, id.IsTenantAdmin, id.TenantID,
	).Scan(&id.CreatedAt, &id.UpdatedAt)
	return mapPgError(err)
}

func (s *identityStore) Find(ctx context.Context, id string) (*Identity, error) {
	return s.one(ctx, `select `+identityColumns+` from identities where id = $1`, id)
}

func (s *identityStore) FindByUsername(ctx context.Context, username string) (*Identity, error) {
	return s.one(ctx, `select `+identityColumns+` from identities where lower(username) = lower($1)`, username)
}

func (s *identityStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	return s.one(ctx, `select `+identityColumns+` from identities where email = lower($1)`, email)
}

func (s *identityStore) MarkVerified(ctx context.Context, id string) error {
	return s.exec(ctx, `update identities set verified = true, updated_at = now() where id = $1`, id)
}

func (s *identityStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx, `update identities set password_hash = $2, updated_at = now() where id = $1`, id, passwordHash)
}

func (s *identityStore) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Identity, error) {
	return s.one(ctx, `
		update identities set
			full_name = coalesce($2, full_name),
			contact_no = coalesce($3, contact_no),
			updated_at = now()
		where id = $1
		returning `+identityColumns,
		id, nullableString(upd.FullName), nullableString(upd.ContactNo))
}

func (s *identityStore) SetTenant(ctx context.Context, id, tenantID string, tenantAdmin bool) (*Identity, error) {
	return s.one(ctx, `
		update identities set
			tenant_id = nullif($2,'')::uuid,
			is_tenant_admin = $3,
			updated_at = now()
		where id = $1
		returning `+identityColumns,
		id, tenantID, tenantAdmin)
}

func (s *identityStore) one(ctx context.Context, query string, args ...any) (*Identity, error) {
	var i Identity
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&i.ID, &i.Username, &i.Email, &i.FullName, &i.ContactNo, &i.PasswordHash,
		&i.Verified, &i.IsAdmin, &i.IsTenantAdmin, &i.TenantID, &i.CreatedAt, &i.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return &i, nil
}

func (s *identityStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapPgError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// One-time record store ----------------------------------------------------
type oneTimeStore struct{ db *sql.DB }

func (s *oneTimeStore) Create(ctx context.Context, rec *OneTimeRecord) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into one_time_tokens(id, kind, email, token_hash, used, created_at, expires_at)
		values ($1,$2,$3,$4,false,$5,$6)`,
		rec.ID, string(rec.Kind), rec.Email, rec.TokenHash, rec.CreatedAt, rec.ExpiresAt,
	)
	return mapPgError(err)
}

// Consume flips the used flag with a conditional update, so two concurrent
// consumers cannot both succeed.
func (s *oneTimeStore) Consume(ctx context.Context, kind TokenKind, tokenHash string) (*OneTimeRecord, error) {
	rec := OneTimeRecord{Kind: kind, TokenHash: tokenHash}
	err := s.db.QueryRowContext(ctx, `
		update one_time_tokens set used = true
		where kind = $1 and token_hash = $2 and used = false
		returning id, email, created_at, expires_at`,
		string(kind), tokenHash,
	).Scan(&rec.ID, &rec.Email, &rec.CreatedAt, &rec.ExpiresAt)
	if err == nil {
		rec.Used = true
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var used bool
	err = s.db.QueryRowContext(ctx,
		`select used from one_time_tokens where kind = $1 and token_hash = $2`,
		string(kind), tokenHash,
	).Scan(&used)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrInvalidToken
	case err != nil:
		return nil, err
	default:
		return nil, ErrTokenUsed
	}
}

func (s *oneTimeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from one_time_tokens where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503", "22P02":
			return ErrNotFound
		}
	}
	return err
}
