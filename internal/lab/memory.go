package lab

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and local runs without a database.
type InMemory struct {
	mu        sync.RWMutex
	hospitals map[string]*Hospital
	patients  map[string]*Patient
	tests     map[string]*CellTest
	images    map[string][]CellTestImage // cell test id -> images
	results   map[string][]Result        // cell test id -> results, oldest first
	now       func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		hospitals: make(map[string]*Hospital),
		patients:  make(map[string]*Patient),
		tests:     make(map[string]*CellTest),
		images:    make(map[string][]CellTestImage),
		results:   make(map[string][]Result),
		now:       time.Now,
	}
}

func (s *InMemory) CreateHospital(_ context.Context, h *Hospital) error {
	if err := h.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.hospitals {
		if strings.EqualFold(existing.Name, h.Name) {
			return ErrConflict
		}
	}
	if h.ID == "" {
		h.ID = newID()
	}
	h.CreatedAt = s.now().UTC()
	cp := *h
	s.hospitals[h.ID] = &cp
	return nil
}

func (s *InMemory) GetHospital(_ context.Context, id string) (Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hospitals[id]
	if !ok {
		return Hospital{}, ErrNotFound
	}
	return *h, nil
}

func (s *InMemory) ListHospitals(context.Context) ([]Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Hospital, 0, len(s.hospitals))
	for _, h := range s.hospitals {
		out = append(out, *h)
	}
	slices.SortFunc(out, func(a, b Hospital) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *InMemory) UpdateHospital(_ context.Context, h *Hospital) error {
	if err := h.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.hospitals[h.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range s.hospitals {
		if id != h.ID && strings.EqualFold(other.Name, h.Name) {
			return ErrConflict
		}
	}
	h.CreatedAt = existing.CreatedAt
	cp := *h
	s.hospitals[h.ID] = &cp
	return nil
}

func (s *InMemory) DeleteHospital(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hospitals[id]; !ok {
		return ErrNotFound
	}
	delete(s.hospitals, id)
	for pid, p := range s.patients {
		if p.HospitalID == id {
			s.deletePatientLocked(pid)
		}
	}
	return nil
}

func (s *InMemory) CreatePatient(_ context.Context, p *Patient) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hospitals[p.HospitalID]; !ok {
		return ErrNotFound
	}
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = s.now().UTC()
	cp := *p
	s.patients[p.ID] = &cp
	return nil
}

func (s *InMemory) GetPatient(_ context.Context, hospitalID, id string) (Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok || p.HospitalID != hospitalID {
		return Patient{}, ErrNotFound
	}
	return *p, nil
}

func (s *InMemory) ListPatients(_ context.Context, hospitalID string) ([]Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Patient
	for _, p := range s.patients {
		if p.HospitalID == hospitalID {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b Patient) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *InMemory) UpdatePatient(_ context.Context, p *Patient) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.patients[p.ID]
	if !ok || existing.HospitalID != p.HospitalID {
		return ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	cp := *p
	s.patients[p.ID] = &cp
	return nil
}

func (s *InMemory) DeletePatient(_ context.Context, hospitalID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok || p.HospitalID != hospitalID {
		return ErrNotFound
	}
	s.deletePatientLocked(id)
	return nil
}

func (s *InMemory) deletePatientLocked(id string) {
	delete(s.patients, id)
	for tid, t := range s.tests {
		if t.PatientID == id {
			delete(s.tests, tid)
			delete(s.images, tid)
			delete(s.results, tid)
		}
	}
}

func (s *InMemory) CreateCellTest(_ context.Context, c *CellTest) error {
	if err := c.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[c.PatientID]
	if !ok || p.HospitalID != c.HospitalID {
		return ErrNotFound
	}
	if c.ID == "" {
		c.ID = newID()
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.tests[c.ID] = &cp
	return nil
}

func (s *InMemory) GetCellTest(_ context.Context, hospitalID, patientID, id string) (CellTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.tests[id]
	if !ok || c.HospitalID != hospitalID || c.PatientID != patientID {
		return CellTest{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) ListCellTests(_ context.Context, hospitalID, patientID string) ([]CellTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CellTest
	for _, c := range s.tests {
		if c.HospitalID == hospitalID && c.PatientID == patientID {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b CellTest) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *InMemory) AddImage(_ context.Context, img *CellTestImage) error {
	if err := img.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tests[img.CellTestID]; !ok {
		return ErrNotFound
	}
	if img.ID == "" {
		img.ID = newID()
	}
	img.CreatedAt = s.now().UTC()
	s.images[img.CellTestID] = append(s.images[img.CellTestID], *img)
	return nil
}

func (s *InMemory) ListImages(_ context.Context, cellTestID string) ([]CellTestImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.images[cellTestID]), nil
}

// ListResults returns results newest first.
func (s *InMemory) ListResults(_ context.Context, cellTestID string) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs := s.results[cellTestID]
	out := make([]Result, 0, len(rs))
	for i := len(rs) - 1; i >= 0; i-- {
		r := rs[i]
		r.Images = slices.Clone(r.Images)
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemory) CommitResult(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	test, ok := s.tests[r.CellTestID]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = now
	r.SupersededAt = nil
	for i := range r.Images {
		if r.Images[i].ID == "" {
			r.Images[i].ID = newID()
		}
		r.Images[i].ResultID = r.ID
	}

	rs := s.results[r.CellTestID]
	for i := range rs {
		if rs[i].SupersededAt == nil {
			rs[i].SupersededAt = &now
		}
	}
	cp := *r
	cp.Images = slices.Clone(r.Images)
	s.results[r.CellTestID] = append(rs, cp)
	test.DetectionStatus = StatusCompleted
	test.UpdatedAt = now
	return nil
}
