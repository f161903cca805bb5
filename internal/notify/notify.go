package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cytolab.org/internal/ids"
	"cytolab.org/internal/obs"
)

// Message is one outbound notification.
type Message struct {
	ID       string    `json:"id"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	QueuedAt time.Time `json:"queued_at"`
}

// Provider delivers a message synchronously.
type Provider interface {
	Deliver(ctx context.Context, msg Message) error
}

// LogProvider writes messages to the log instead of delivering them. Bodies
// carry one-time links, so they are logged at debug level only.
type LogProvider struct {
	Log zerolog.Logger
}

func (p LogProvider) Deliver(_ context.Context, msg Message) error {
	p.Log.Info().Str("message_id", msg.ID).Str("to", msg.To).Str("subject", msg.Subject).Msg("notification")
	p.Log.Debug().Str("message_id", msg.ID).Str("body", msg.Body).Msg("notification body")
	return nil
}

// FailProvider always fails.
type FailProvider struct{}

func (FailProvider) Deliver(context.Context, Message) error {
	return errors.New("notify: provider failure")
}

var (
	ErrClosed    = errors.New("notify: dispatcher closed")
	ErrQueueFull = errors.New("notify: queue full")
)

// Dispatcher hands messages to a Provider on background workers. Send never
// reports delivery failures to its caller; they are logged and counted.
type Dispatcher struct {
	provider Provider
	log      zerolog.Logger
	workers  int
	timeout  time.Duration
	queue    chan Message
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Message, n)
		}
	}
}

func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher starts the workers. Call Close to drain and stop them.
func NewDispatcher(p Provider, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		provider: p,
		log:      obs.Logger(),
		workers:  2,
		timeout:  10 * time.Second,
		queue:    make(chan Message, 256),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Send queues a message. The error is only ever ErrClosed or ErrQueueFull and
// callers are expected to log it, not fail on it.
func (d *Dispatcher) Send(_ context.Context, to, subject, body string) error {
	msg := Message{ID: ids.New(), To: to, Subject: subject, Body: body, QueuedAt: d.now().UTC()}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		obs.NotificationSent(ErrQueueFull)
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to be delivered
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error().Interface("panic", rec).Str("message_id", msg.ID).Msg("notification provider panicked")
			obs.NotificationSent(errors.New("panic"))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.provider.Deliver(ctx, msg)
	obs.NotificationSent(err)
	if err != nil {
		d.log.Warn().Err(err).Str("message_id", msg.ID).Str("to", msg.To).Msg("notification delivery failed")
	}
}
