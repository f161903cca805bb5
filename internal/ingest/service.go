package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cytolab.org/internal/detector"
	"cytolab.org/internal/lab"
	"cytolab.org/internal/obs"
	"cytolab.org/internal/storage"
	"cytolab.org/internal/stream"
)

// Store is the slice of lab.Store the transaction needs.
type Store interface {
	ListImages(ctx context.Context, cellTestID string) ([]lab.CellTestImage, error)
	CommitResult(ctx context.Context, r *lab.Result) error
}

type Detector interface {
	Detect(ctx context.Context, imageURLs []string) (detector.Response, error)
}

type Publisher interface {
	Publish(evt stream.Event)
}

// Service runs the Collect, Dispatch, Validate and Commit stages for one
// cell test. Runs for the same cell test never overlap: a second caller
// fails fast with ErrIngestionInProgress while the first one is anywhere
// between Collect and Commit.
type Service struct {
	store    Store
	resolver storage.Resolver
	detector Detector
	events   Publisher
	log      zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func NewService(store Store, resolver storage.Resolver, det Detector, opts ...Option) (*Service, error) {
	if store == nil || resolver == nil || det == nil {
		return nil, errors.New("ingest: store, resolver and detector are required")
	}
	s := &Service{
		store:    store,
		resolver: resolver,
		detector: det,
		log:      obs.Logger(),
		tracer:   otel.Tracer("cytolab.org/internal/ingest"),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ingests detector output for cellTestID. The caller has already checked
// that the cell test belongs to tenantID.
func (s *Service) Run(ctx context.Context, tenantID, cellTestID string) (*lab.Result, error) {
	if !s.acquire(cellTestID) {
		return nil, ErrIngestionInProgress
	}
	defer s.release(cellTestID)

	ctx, span := s.tracer.Start(ctx, "ingest.Run", trace.WithAttributes(
		attribute.String("cell_test.id", cellTestID),
		attribute.String("tenant.id", tenantID),
	))
	defer span.End()

	start := s.now()
	r := run{svc: s, tenant: tenantID, test: cellTestID}
	r.emit(stream.StageStarted, nil)

	res, err := r.execute(ctx)

	elapsed := s.now().Sub(start)
	log := s.log.With().Str("cell_test_id", cellTestID).Str("tenant_id", tenantID).Str("stage", r.stage).Dur("duration", elapsed).Logger()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, r.stage)
		r.emit(stream.StageFailed, err)
		obs.IngestionFinished(r.stage, "error", elapsed)
		log.Warn().Err(err).Msg("ingestion failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("result.id", res.ID), attribute.Int("result.cell_count", res.CellCount))
	obs.IngestionFinished(r.stage, "ok", elapsed)
	log.Info().Str("result_id", res.ID).Int("images", len(res.Images)).Msg("ingestion committed")
	return res, nil
}

// InProgress reports whether a run for cellTestID currently holds the guard.
func (s *Service) InProgress(cellTestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[cellTestID]
	return ok
}

func (s *Service) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// run carries the per-invocation state.
type run struct {
	svc    *Service
	tenant string
	test   string
	stage  string
}

func (r *run) execute(ctx context.Context) (*lab.Result, error) {
	r.stage = "collect"
	urls, err := r.collect(ctx)
	if err != nil {
		return nil, err
	}
	r.emit(stream.StageCollected, nil)

	r.stage = "dispatch"
	resp, err := r.dispatch(ctx, urls)
	if err != nil {
		return nil, err
	}
	r.emit(stream.StageDispatched, nil)

	r.stage = "validate"
	res, err := r.validate(resp)
	if err != nil {
		return nil, err
	}
	r.emit(stream.StageValidated, nil)

	r.stage = "commit"
	if err := r.commit(ctx, res); err != nil {
		return nil, err
	}
	r.emit(stream.StageCommitted, nil)
	return res, nil
}

func (r *run) collect(ctx context.Context) ([]string, error) {
	ctx, span := r.svc.tracer.Start(ctx, "ingest.collect")
	defer span.End()

	images, err := r.svc.store.ListImages(ctx, r.test)
	if err != nil {
		return nil, fmt.Errorf("ingest: load images: %w", err)
	}
	if len(images) == 0 {
		return nil, ErrNoInputImages
	}
	urls := make([]string, 0, len(images))
	for _, img := range images {
		u, err := r.svc.resolver.URL(ctx, img.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("ingest: resolve image %s: %w", img.ID, err)
		}
		urls = append(urls, u)
	}
	span.SetAttributes(attribute.Int("images", len(urls)))
	return urls, nil
}

func (r *run) dispatch(ctx context.Context, urls []string) (detector.Response, error) {
	ctx, span := r.svc.tracer.Start(ctx, "ingest.dispatch")
	defer span.End()

	resp, err := r.svc.detector.Detect(ctx, urls)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, detector.ErrRejected):
		return resp, fmt.Errorf("%w: %w", ErrDetectorRejected, err)
	case errors.Is(err, detector.ErrResponseInvalid):
		return resp, fmt.Errorf("%w: %w", ErrDetectorResponseInvalid, err)
	default:
		return resp, fmt.Errorf("%w: %w", ErrDetectorUnreachable, err)
	}
}

func (r *run) validate(resp detector.Response) (*lab.Result, error) {
	if resp.CellTestCount == nil {
		return nil, fmt.Errorf("%w: missing cell_test_count", ErrDetectorResponseIncomplete)
	}
	count := *resp.CellTestCount
	if count < 0 {
		return nil, fmt.Errorf("%w: negative cell_test_count %d", ErrDetectorResponseInvalid, count)
	}
	if len(resp.ProcessedImages) == 0 {
		return nil, fmt.Errorf("%w: missing processed_images", ErrDetectorResponseIncomplete)
	}
	images := make([]lab.ResultImage, 0, len(resp.ProcessedImages))
	for _, u := range resp.ProcessedImages {
		if u == "" {
			return nil, fmt.Errorf("%w: empty processed image url", ErrDetectorResponseIncomplete)
		}
		images = append(images, lab.ResultImage{ImageURL: u})
	}
	return &lab.Result{
		CellTestID:  r.test,
		Description: fmt.Sprintf("Processed %d images with %d detected cancer cells.", len(images), count),
		CellCount:   count,
		Images:      images,
	}, nil
}

func (r *run) commit(ctx context.Context, res *lab.Result) error {
	ctx, span := r.svc.tracer.Start(ctx, "ingest.commit")
	defer span.End()

	err := r.svc.store.CommitResult(ctx, res)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lab.ErrConflict):
		// another process committed a current result for this test concurrently
		return fmt.Errorf("%w: %w", ErrIngestionInProgress, err)
	default:
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
}

func (r *run) emit(stage stream.Stage, err error) {
	if r.svc.events == nil {
		return
	}
	evt := stream.Event{CellTestID: r.test, TenantID: r.tenant, Stage: stage, At: r.svc.now().UTC()}
	if err != nil {
		evt.Error = err.Error()
	}
	r.svc.events.Publish(evt)
}
