package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cytolab.org/internal/obs"
)

// Func deletes expired records and reports how many were removed.
type Func func(ctx context.Context) (int64, error)

// Sweeper runs a Func on a fixed interval. A failed or panicking run is
// logged and the next tick runs again.
type Sweeper struct {
	fn       Func
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Sweeper)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

// WithRunTimeout bounds a single run.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(fn Func, interval time.Duration, opts ...Option) (*Sweeper, error) {
	if fn == nil {
		return nil, errors.New("sweep: func is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep: interval must be positive, got %s", interval)
	}
	s := &Sweeper{fn: fn, interval: interval, timeout: time.Minute, log: obs.Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep with failure isolation.
func (s *Sweeper) RunOnce(ctx context.Context) (deleted int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sweep: panic: %v", rec)
		}
		obs.SweepFinished(deleted, err)
		if err != nil {
			s.log.Error().Err(err).Msg("sweep failed")
			return
		}
		s.log.Info().Int64("deleted", deleted).Dur("duration", time.Since(start)).Msg("sweep finished")
	}()
	return s.fn(ctx)
}
