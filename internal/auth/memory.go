package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"cytolab.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by tests and local runs without a
// database.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]*Identity
	records    map[string]*OneTimeRecord
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*Identity),
		records:    make(map[string]*OneTimeRecord),
		now:        time.Now,
	}
}

func (m *MemoryStore) Identities(context.Context) IdentityStore { return memIdentities{m} }
func (m *MemoryStore) OneTime(context.Context) OneTimeStore     { return memOneTime{m} }

type memIdentities struct{ m *MemoryStore }

func (s memIdentities) Create(_ context.Context, id *Identity) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.identities {
		if strings.EqualFold(existing.Username, id.Username) || strings.EqualFold(existing.Email, id.Email) {
			return ErrConflict
		}
	}
	if id.ID == "" {
		id.ID = ids.NewUUID()
	}
	now := s.m.now().UTC()
	id.CreatedAt, id.UpdatedAt = now, now
	cp := *id
	s.m.identities[id.ID] = &cp
	return nil
}

func (s memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.get(id)
}

func (s memIdentities) FindByUsername(_ context.Context, username string) (*Identity, error) {
	return s.findBy(func(i *Identity) bool { return strings.EqualFold(i.Username, username) })
}

func (s memIdentities) FindByEmail(_ context.Context, email string) (*Identity, error) {
	return s.findBy(func(i *Identity) bool { return strings.EqualFold(i.Email, email) })
}

func (s memIdentities) findBy(match func(*Identity) bool) (*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, i := range s.m.identities {
		if match(i) {
			cp := *i
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memIdentities) MarkVerified(_ context.Context, id string) error {
	return s.m.update(id, func(i *Identity) { i.Verified = true })
}

func (s memIdentities) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return s.m.update(id, func(i *Identity) { i.PasswordHash = passwordHash })
}

func (s memIdentities) UpdateProfile(_ context.Context, id string, upd ProfileUpdate) (*Identity, error) {
	if err := s.m.update(id, func(i *Identity) {
		if upd.FullName != nil {
			i.FullName = *upd.FullName
		}
		if upd.ContactNo != nil {
			i.ContactNo = *upd.ContactNo
		}
	}); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.get(id)
}

func (s memIdentities) SetTenant(_ context.Context, id, tenantID string, tenantAdmin bool) (*Identity, error) {
	if err := s.m.update(id, func(i *Identity) {
		i.TenantID = tenantID
		i.IsTenantAdmin = tenantAdmin
	}); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.get(id)
}

func (m *MemoryStore) get(id string) (*Identity, error) {
	i, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *MemoryStore) update(id string, fn func(*Identity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	fn(i)
	i.UpdatedAt = m.now().UTC()
	return nil
}

type memOneTime struct{ m *MemoryStore }

func (s memOneTime) Create(_ context.Context, rec *OneTimeRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.records[rec.TokenHash]; ok {
		return ErrConflict
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.m.now().UTC()
	}
	cp := *rec
	s.m.records[rec.TokenHash] = &cp
	return nil
}

func (s memOneTime) Consume(_ context.Context, kind TokenKind, tokenHash string) (*OneTimeRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, ok := s.m.records[tokenHash]
	if !ok || rec.Kind != kind {
		return nil, ErrInvalidToken
	}
	if rec.Used {
		return nil, ErrTokenUsed
	}
	rec.Used = true
	cp := *rec
	return &cp, nil
}

func (s memOneTime) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for k, rec := range s.m.records {
		if rec.ExpiresAt.Before(now) {
			delete(s.m.records, k)
			n++
		}
	}
	return n, nil
}
