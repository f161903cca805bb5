package lab

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func seed(t *testing.T, s *InMemory) (Hospital, Patient, CellTest) {
	t.Helper()
	ctx := context.Background()
	h := Hospital{Name: "Central Clinic", Email: "desk@central.example"}
	if err := s.CreateHospital(ctx, &h); err != nil {
		t.Fatalf("CreateHospital: %v", err)
	}
	p := Patient{HospitalID: h.ID, FirstName: "Aigerim", LastName: "Sadykova", BirthDate: "1990-04-12"}
	if err := s.CreatePatient(ctx, &p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	c := CellTest{HospitalID: h.ID, PatientID: p.ID, Title: "Smear #1"}
	if err := s.CreateCellTest(ctx, &c); err != nil {
		t.Fatalf("CreateCellTest: %v", err)
	}
	return h, p, c
}

func TestTenantScopedLookups(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	h, p, c := seed(t, s)

	other := Hospital{Name: "North Lab"}
	if err := s.CreateHospital(ctx, &other); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPatient(ctx, other.ID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("patient visible under another hospital: %v", err)
	}
	if _, err := s.GetCellTest(ctx, other.ID, p.ID, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cell test visible under another hospital: %v", err)
	}
	got, err := s.GetCellTest(ctx, h.ID, p.ID, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DetectionStatus != StatusPending {
		t.Fatalf("expected pending status, got %s", got.DetectionStatus)
	}
	if err := s.CreatePatient(ctx, &Patient{HospitalID: "missing", FirstName: "a", LastName: "b"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown hospital, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateHospital(ctx, &Hospital{Name: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	h, _, c := seed(t, s)
	if err := s.CreateHospital(ctx, &Hospital{Name: "central clinic"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate name, got %v", err)
	}
	if err := s.CreatePatient(ctx, &Patient{HospitalID: h.ID, FirstName: "x", LastName: "y", BirthDate: "12/04/1990"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for birth date, got %v", err)
	}
	if err := s.AddImage(ctx, &CellTestImage{CellTestID: c.ID, ObjectKey: "../etc/passwd"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for traversal key, got %v", err)
	}
}

func TestCommitResultSupersedesPrevious(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	h, p, c := seed(t, s)

	first := Result{CellTestID: c.ID, Description: "first", CellCount: 2, Images: []ResultImage{{ImageURL: "http://img/1"}}}
	if err := s.CommitResult(ctx, &first); err != nil {
		t.Fatalf("CommitResult: %v", err)
	}
	second := Result{CellTestID: c.ID, Description: "second", CellCount: 5, Images: []ResultImage{{ImageURL: "http://img/2"}, {ImageURL: "http://img/3"}}}
	if err := s.CommitResult(ctx, &second); err != nil {
		t.Fatalf("CommitResult: %v", err)
	}

	rs, err := s.ListResults(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 2 {
		t.Fatalf("expected 2 results, got %d", len(rs))
	}
	current := 0
	for _, r := range rs {
		if r.Current() {
			current++
		}
	}
	if current != 1 || !rs[0].Current() || rs[0].ID != second.ID {
		t.Fatalf("expected only the newest result to be current: %+v", rs)
	}
	if len(rs[0].Images) != 2 || rs[0].Images[0].ResultID != second.ID {
		t.Fatalf("images not attached to result: %+v", rs[0].Images)
	}
	got, _ := s.GetCellTest(ctx, h.ID, p.ID, c.ID)
	if got.DetectionStatus != StatusCompleted {
		t.Fatalf("expected completed status, got %s", got.DetectionStatus)
	}
	if err := s.CommitResult(ctx, &Result{CellTestID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteHospitalCascades(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	h, p, c := seed(t, s)
	if err := s.AddImage(ctx, &CellTestImage{CellTestID: c.ID, ObjectKey: "a.png"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteHospital(ctx, h.ID); err != nil {
		t.Fatalf("DeleteHospital: %v", err)
	}
	if _, err := s.GetPatient(ctx, h.ID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("patient survived hospital delete: %v", err)
	}
	imgs, _ := s.ListImages(ctx, c.ID)
	if len(imgs) != 0 {
		t.Fatalf("images survived hospital delete: %d", len(imgs))
	}
	ok, err := TenantDirectory{Store: s}.TenantExists(ctx, h.ID)
	if err != nil || ok {
		t.Fatalf("expected deleted tenant to be absent, ok=%v err=%v", ok, err)
	}
}

func TestConcurrentCommitsKeepOneCurrent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _, c := seed(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.CommitResult(ctx, &Result{CellTestID: c.ID, Description: "r", CellCount: 1, Images: []ResultImage{{ImageURL: "u"}}})
		}()
	}
	wg.Wait()

	rs, _ := s.ListResults(ctx, c.ID)
	current := 0
	for _, r := range rs {
		if r.Current() {
			current++
		}
	}
	if len(rs) != 20 || current != 1 {
		t.Fatalf("expected 20 results with one current, got %d/%d", len(rs), current)
	}
}
