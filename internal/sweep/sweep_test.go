package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFailedRunDoesNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	fn := func(context.Context) (int64, error) {
		n := calls.Add(1)
		switch n {
		case 1:
			return 0, errors.New("db down")
		case 2:
			panic("unexpected")
		}
		return 2, nil
	}
	s, err := New(fn, 10*time.Millisecond, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop stalled after %d calls", calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != after {
		t.Fatal("sweeper kept running after Stop")
	}
}

func TestRunOnceReportsPanics(t *testing.T) {
	s, err := New(func(context.Context) (int64, error) { panic("boom") }, time.Hour, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestRunOnceHonoursTimeout(t *testing.T) {
	s, err := New(func(ctx context.Context) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, time.Hour, WithRunTimeout(20*time.Millisecond), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, err := New(func(context.Context) (int64, error) { return 0, nil }, time.Hour, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, time.Second); err == nil {
		t.Fatal("expected error for nil func")
	}
	if _, err := New(func(context.Context) (int64, error) { return 0, nil }, 0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
