package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cytolab.org/internal/obs"
)

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
	onHeader    func(http.Header)
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.code = code
	if w.onHeader != nil {
		w.onHeader(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Exempt sends documentation and health paths straight to direct, skipping
// every stage that next would run.
func Exempt(direct http.Handler, isExempt func(path string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExempt(r.URL.Path) {
				direct.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var (
	exemptPaths    = []string{"/healthz", "/readyz", "/metrics", "/openapi.json", "/docs", "/favicon.ico"}
	exemptPrefixes = []string{"/static/"}
)

func isExemptPath(path string) bool {
	for _, p := range exemptPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RateLimiter allows one request per interval per client. A rejected request
// does not push the client's window forward.
type RateLimiter struct {
	interval time.Duration
	idleTTL  time.Duration
	now      func() time.Time
	clients  ClientResolver

	mu      sync.Mutex
	buckets map[string]*bucket

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// LimiterOption configures RateLimiter.
type LimiterOption func(*RateLimiter)

// WithClientResolver sets how clients are told apart. The default keys on
// the socket peer and ignores forwarding headers.
func WithClientResolver(c ClientResolver) LimiterOption {
	return func(l *RateLimiter) { l.clients = c }
}

func NewRateLimiter(interval, idleTTL time.Duration, opts ...LimiterOption) *RateLimiter {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	if idleTTL < interval {
		idleTTL = interval
	}
	l := &RateLimiter{
		interval: interval,
		idleTTL:  idleTTL,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether client may proceed now, and otherwise how long it
// has to wait.
func (l *RateLimiter) Allow(client string) (bool, time.Duration) {
	if l == nil || l.interval <= 0 {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(l.interval), 1)}
		l.buckets[client] = b
	}
	b.seen = now
	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware rejects clients that exceed the rate with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l == nil {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := l.Allow(l.clients.ClientIP(r))
		if !ok {
			obs.RateLimited()
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the eviction loop until ctx ends or Stop is called. Calling
// Start twice is a no-op.
func (l *RateLimiter) Start(ctx context.Context) {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(l.idleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Evict()
			}
		}
	}(l.done)
}

func (l *RateLimiter) Stop() {
	l.stopMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Evict drops clients idle for longer than the idle ttl and returns how many
// were removed.
func (l *RateLimiter) Evict() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Timing sets X-Process-Time and logs one line per request. A panic from next
// is logged as a 500 and then re-raised.
func Timing(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			sw.onHeader = func(h http.Header) {
				h.Set("X-Process-Time", strconv.FormatFloat(time.Since(start).Seconds(), 'f', 6, 64))
			}

			defer func() {
				rec := recover()
				if rec == nil && !sw.wroteHeader {
					sw.WriteHeader(http.StatusOK)
				}
				code := sw.code
				if rec != nil {
					code = http.StatusInternalServerError
				}
				ev := log.Info()
				if rec != nil || code >= 500 {
					ev = log.Error()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", code).
					Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
					Str("client", peerIP(r)).
					Str("forwarded_for", r.Header.Get("X-Forwarded-For")).
					Bool("panic", rec != nil).
					Msg("request_complete")
				if rec != nil {
					panic(rec)
				}
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

// SecurityHeaders: hardening for a JSON API
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
