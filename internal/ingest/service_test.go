package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cytolab.org/internal/detector"
	"cytolab.org/internal/lab"
	"cytolab.org/internal/storage"
	"cytolab.org/internal/stream"
)

type detectFunc func(ctx context.Context, urls []string) (detector.Response, error)

func (f detectFunc) Detect(ctx context.Context, urls []string) (detector.Response, error) {
	return f(ctx, urls)
}

func okResponse(count int, images ...string) detector.Response {
	return detector.Response{SchemaVersion: detector.SchemaVersion, CellTestCount: &count, ProcessedImages: images}
}

type failingCommit struct {
	*lab.InMemory
	err error
}

func (f failingCommit) CommitResult(context.Context, *lab.Result) error { return f.err }

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Publish(evt stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []stream.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type fixture struct {
	store  *lab.InMemory
	tenant string
	test   lab.CellTest
	events *recorder
}

func newFixture(t *testing.T, images ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	s := lab.NewInMemory()
	h := lab.Hospital{Name: "Central"}
	if err := s.CreateHospital(ctx, &h); err != nil {
		t.Fatal(err)
	}
	p := lab.Patient{HospitalID: h.ID, FirstName: "A", LastName: "B"}
	if err := s.CreatePatient(ctx, &p); err != nil {
		t.Fatal(err)
	}
	c := lab.CellTest{HospitalID: h.ID, PatientID: p.ID, Title: "smear"}
	if err := s.CreateCellTest(ctx, &c); err != nil {
		t.Fatal(err)
	}
	for _, key := range images {
		if err := s.AddImage(ctx, &lab.CellTestImage{CellTestID: c.ID, ObjectKey: key}); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{store: s, tenant: h.ID, test: c, events: &recorder{}}
}

func (f *fixture) service(t *testing.T, store Store, det Detector) *Service {
	t.Helper()
	resolver, err := storage.NewBaseURLResolver("http://images.local/media")
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(store, resolver, det, WithPublisher(f.events), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func (f *fixture) resultCount(t *testing.T) int {
	t.Helper()
	rs, err := f.store.ListResults(context.Background(), f.test.ID)
	if err != nil {
		t.Fatal(err)
	}
	return len(rs)
}

func TestRunCommitsResult(t *testing.T) {
	f := newFixture(t, "tests/a.png", "tests/b.png")
	var sent []string
	svc := f.service(t, f.store, detectFunc(func(_ context.Context, urls []string) (detector.Response, error) {
		sent = urls
		return okResponse(7, "http://out/a.png", "http://out/b.png"), nil
	}))

	res, err := svc.Run(context.Background(), f.tenant, f.test.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sent) != 2 || sent[0] != "http://images.local/media/tests/a.png" {
		t.Fatalf("unexpected detector input %v", sent)
	}
	if res.Description != "Processed 2 images with 7 detected cancer cells." || res.CellCount != 7 || len(res.Images) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.resultCount(t) != 1 {
		t.Fatalf("expected one result row")
	}
	got, _ := f.store.GetCellTest(context.Background(), f.tenant, f.test.PatientID, f.test.ID)
	if got.DetectionStatus != lab.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.DetectionStatus)
	}
	want := []stream.Stage{stream.StageStarted, stream.StageCollected, stream.StageDispatched, stream.StageValidated, stream.StageCommitted}
	stages := f.events.stages()
	if len(stages) != len(want) {
		t.Fatalf("unexpected stages %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("unexpected stages %v", stages)
		}
	}
	if svc.InProgress(f.test.ID) {
		t.Fatal("guard not released")
	}
}

func TestRunWithoutImagesNeverCallsDetector(t *testing.T) {
	f := newFixture(t)
	called := false
	svc := f.service(t, f.store, detectFunc(func(context.Context, []string) (detector.Response, error) {
		called = true
		return okResponse(1, "x"), nil
	}))

	if _, err := svc.Run(context.Background(), f.tenant, f.test.ID); !errors.Is(err, ErrNoInputImages) {
		t.Fatalf("expected ErrNoInputImages, got %v", err)
	}
	if called {
		t.Fatal("detector called without input images")
	}
	if f.resultCount(t) != 0 {
		t.Fatal("result row created")
	}
	stages := f.events.stages()
	if last := stages[len(stages)-1]; last != stream.StageFailed {
		t.Fatalf("expected failed event last, got %v", stages)
	}
}

func TestRunRejectsIncompleteResponses(t *testing.T) {
	zero := 0
	cases := []struct {
		name string
		resp detector.Response
		want error
	}{
		{"missing images", okResponse(4), ErrDetectorResponseIncomplete},
		{"missing count", detector.Response{SchemaVersion: "v1", ProcessedImages: []string{"x"}}, ErrDetectorResponseIncomplete},
		{"blank image url", okResponse(1, ""), ErrDetectorResponseIncomplete},
		{"negative count", okResponse(-1, "x"), ErrDetectorResponseInvalid},
		{"zero count is a verdict", detector.Response{SchemaVersion: "v1", CellTestCount: &zero, ProcessedImages: []string{"x"}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "a.png")
			svc := f.service(t, f.store, detectFunc(func(context.Context, []string) (detector.Response, error) {
				return tc.resp, nil
			}))
			_, err := svc.Run(context.Background(), f.tenant, f.test.ID)
			if tc.want == nil {
				if err != nil || f.resultCount(t) != 1 {
					t.Fatalf("expected commit, err=%v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n := f.resultCount(t); n != 0 {
				t.Fatalf("expected no result rows, got %d", n)
			}
		})
	}
}

func TestRunMapsDetectorErrors(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{detector.ErrUnreachable, ErrDetectorUnreachable},
		{context.DeadlineExceeded, ErrDetectorUnreachable},
		{detector.ErrRejected, ErrDetectorRejected},
		{detector.ErrResponseInvalid, ErrDetectorResponseInvalid},
	}
	for _, tc := range cases {
		f := newFixture(t, "a.png")
		svc := f.service(t, f.store, detectFunc(func(context.Context, []string) (detector.Response, error) {
			return detector.Response{}, tc.err
		}))
		_, err := svc.Run(context.Background(), f.tenant, f.test.ID)
		if !errors.Is(err, tc.want) || !IsUpstream(err) {
			t.Fatalf("detector error %v: expected %v, got %v", tc.err, tc.want, err)
		}
		if f.resultCount(t) != 0 {
			t.Fatal("result row created after detector failure")
		}
	}
}

func TestRunCommitFailure(t *testing.T) {
	f := newFixture(t, "a.png")
	store := failingCommit{InMemory: f.store, err: errors.New("disk full")}
	svc := f.service(t, store, detectFunc(func(context.Context, []string) (detector.Response, error) {
		return okResponse(1, "x"), nil
	}))
	if _, err := svc.Run(context.Background(), f.tenant, f.test.ID); !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}

	store.err = lab.ErrConflict
	svc = f.service(t, store, detectFunc(func(context.Context, []string) (detector.Response, error) {
		return okResponse(1, "x"), nil
	}))
	if _, err := svc.Run(context.Background(), f.tenant, f.test.ID); !errors.Is(err, ErrIngestionInProgress) {
		t.Fatalf("expected ErrIngestionInProgress on unique violation, got %v", err)
	}
	if f.resultCount(t) != 0 {
		t.Fatal("unexpected result rows")
	}
}

func TestConcurrentRunsFailFast(t *testing.T) {
	f := newFixture(t, "a.png")
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	svc := f.service(t, f.store, detectFunc(func(context.Context, []string) (detector.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return okResponse(2, "x"), nil
	}))

	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), f.tenant, f.test.ID)
		firstErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never reached the detector")
	}
	if _, err := svc.Run(context.Background(), f.tenant, f.test.ID); !errors.Is(err, ErrIngestionInProgress) {
		t.Fatalf("expected ErrIngestionInProgress, got %v", err)
	}
	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one detector call, got %d", calls)
	}
	if n := f.resultCount(t); n != 1 {
		t.Fatalf("expected exactly one result, got %d", n)
	}
}

func TestGuardIsPerCellTest(t *testing.T) {
	f := newFixture(t, "a.png")
	other := lab.CellTest{HospitalID: f.tenant, PatientID: f.test.PatientID, Title: "second"}
	if err := f.store.CreateCellTest(context.Background(), &other); err != nil {
		t.Fatal(err)
	}
	if err := f.store.AddImage(context.Background(), &lab.CellTestImage{CellTestID: other.ID, ObjectKey: "b.png"}); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	svc := f.service(t, f.store, detectFunc(func(_ context.Context, urls []string) (detector.Response, error) {
		if urls[0] == "http://images.local/media/a.png" {
			close(entered)
			<-release
		}
		return okResponse(1, "x"), nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), f.tenant, f.test.ID)
		done <- err
	}()
	<-entered
	if _, err := svc.Run(context.Background(), f.tenant, other.ID); err != nil {
		t.Fatalf("unrelated cell test blocked: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}
