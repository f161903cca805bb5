package stream

import (
	"context"
	"sync"
	"time"
)

// Stage names an ingestion state transition.
type Stage string

const (
	StageStarted    Stage = "started"
	StageCollected  Stage = "collected"
	StageDispatched Stage = "dispatched"
	StageValidated  Stage = "validated"
	StageCommitted  Stage = "committed"
	StageFailed     Stage = "failed"
)

// Event is one progress update of an ingestion run.
type Event struct {
	CellTestID string    `json:"cell_test_id"`
	TenantID   string    `json:"tenant_id"`
	Stage      Stage     `json:"stage"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type subscriber struct {
	tenant string
	ch     chan Event
}

// Stream fan-outs ingestion events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	buf  int
}

// New initialises an empty stream. buffer is the per-subscriber queue size.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{subs: make(map[int]subscriber), buf: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events of tenant, or of every tenant when tenant is empty. The channel is
// closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, tenant string) <-chan Event {
	ch := make(chan Event, s.buf)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{tenant: tenant, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to matching subscribers without blocking.
func (s *Stream) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.tenant != "" && sub.tenant != evt.TenantID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// медленный подписчик: событие теряется
		}
	}
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
