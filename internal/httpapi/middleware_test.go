package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(interval time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(interval, time.Minute)
	l.now = clock.Now
	return l, clock
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimitExceeded(t *testing.T) {
	l, _ := newTestLimiter(time.Second)
	handler := middleware.RequestID(l.Middleware(okHandler()))

	if rr := hit(handler, "10.0.0.1:1234"); rr.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr.Code)
	}
	rr := hit(handler, "10.0.0.1:1234")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rr.Header().Get("Retry-After"))
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Fatalf("unexpected error message: %v", body["error"])
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in body")
	}
}

func TestRateLimitAllowsAfterInterval(t *testing.T) {
	l, clock := newTestLimiter(time.Second)
	handler := l.Middleware(okHandler())

	if rr := hit(handler, "10.0.0.1:1"); rr.Code != http.StatusOK {
		t.Fatalf("first: %d", rr.Code)
	}
	clock.Advance(time.Second + time.Millisecond)
	if rr := hit(handler, "10.0.0.1:1"); rr.Code != http.StatusOK {
		t.Fatalf("expected second call after the interval to pass, got %d", rr.Code)
	}
}

func TestRateLimitRejectionDoesNotConsume(t *testing.T) {
	l, clock := newTestLimiter(time.Second)

	if ok, _ := l.Allow("c"); !ok {
		t.Fatal("first call rejected")
	}
	clock.Advance(500 * time.Millisecond)
	ok, wait := l.Allow("c")
	if ok || wait != 500*time.Millisecond {
		t.Fatalf("expected rejection with 500ms wait, got %v %v", ok, wait)
	}
	clock.Advance(500 * time.Millisecond)
	if ok, _ := l.Allow("c"); !ok {
		t.Fatal("rejected call pushed the window forward")
	}
}

func hitForwarded(h http.Handler, remote, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = remote
	req.Header.Set("X-Forwarded-For", xff)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimitIsPerClient(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)
	handler := l.Middleware(okHandler())

	if rr := hit(handler, "10.0.0.1:1"); rr.Code != http.StatusOK {
		t.Fatalf("client a: %d", rr.Code)
	}
	if rr := hit(handler, "10.0.0.2:1"); rr.Code != http.StatusOK {
		t.Fatalf("client b: %d", rr.Code)
	}
	if rr := hit(handler, "10.0.0.1:2"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected a's second connection to share its window, got %d", rr.Code)
	}
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	l, _ := newTestLimiter(time.Hour)
	handler := l.Middleware(okHandler())

	allowed := 0
	for i := 0; i < 5; i++ {
		xff := "198.51.100." + strconv.Itoa(i+1)
		if rr := hitForwarded(handler, "203.0.113.7:4000", xff); rr.Code == http.StatusOK {
			allowed++
		} else if i == 0 || rr.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: unexpected %d", i, rr.Code)
		}
	}
	if allowed != 1 {
		t.Fatalf("expected exactly one request through, got %d", allowed)
	}
	if l.Len() != 1 {
		t.Fatalf("spoofed headers created %d buckets", l.Len())
	}
}

func TestRateLimitHonoursTrustedProxy(t *testing.T) {
	clients, err := NewClientResolver([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewClientResolver: %v", err)
	}
	l := NewRateLimiter(time.Minute, time.Minute, WithClientResolver(clients))
	handler := l.Middleware(okHandler())

	if rr := hitForwarded(handler, "10.1.1.1:80", "198.51.100.1"); rr.Code != http.StatusOK {
		t.Fatalf("client a via proxy: %d", rr.Code)
	}
	if rr := hitForwarded(handler, "10.1.1.1:80", "198.51.100.2"); rr.Code != http.StatusOK {
		t.Fatalf("client b via proxy: %d", rr.Code)
	}
	// Spoofed leftmost hop; the proxy appended the real client.
	if rr := hitForwarded(handler, "10.1.1.1:80", "192.0.2.99, 198.51.100.1"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected client a to be limited, got %d", rr.Code)
	}
}

func TestClientResolver(t *testing.T) {
	clients, err := NewClientResolver([]string{"10.0.0.0/8", "127.0.0.1"})
	if err != nil {
		t.Fatalf("NewClientResolver: %v", err)
	}
	cases := []struct {
		remote, xff, want string
	}{
		{"203.0.113.7:1", "", "203.0.113.7"},
		{"203.0.113.7:1", "198.51.100.1", "203.0.113.7"},
		{"127.0.0.1:1", "198.51.100.1", "198.51.100.1"},
		{"127.0.0.1:1", "198.51.100.1, 10.2.2.2", "198.51.100.1"},
		{"127.0.0.1:1", "10.3.3.3, 10.2.2.2", "127.0.0.1"},
		{"127.0.0.1:1", "", "127.0.0.1"},
		{"pipe", "", "pipe"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := clients.ClientIP(req); got != tc.want {
			t.Fatalf("ClientIP(%s, %q) = %q, want %q", tc.remote, tc.xff, got, tc.want)
		}
	}

	if _, err := NewClientResolver([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected invalid proxy to be rejected")
	}
}

func TestRateLimitEvictsIdleClients(t *testing.T) {
	l, clock := newTestLimiter(time.Second)
	l.Allow("a")
	clock.Advance(30 * time.Second)
	l.Allow("b")
	clock.Advance(45 * time.Second)

	if n := l.Evict(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if l.Len() != 1 {
		t.Fatalf("expected b to survive, have %d clients", l.Len())
	}
}

func TestRateLimiterStartStop(t *testing.T) {
	var idle atomic.Bool
	l := NewRateLimiter(5*time.Millisecond, 10*time.Millisecond)
	l.now = func() time.Time {
		if idle.Load() {
			return time.Now().Add(time.Hour)
		}
		return time.Now()
	}
	l.Allow("a")
	idle.Store(true)

	l.Start(context.Background())
	l.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("eviction loop never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	l.Stop()
	l.Stop()
}

func TestRateLimitDisabled(t *testing.T) {
	var l *RateLimiter
	handler := l.Middleware(okHandler())
	for i := 0; i < 3; i++ {
		if rr := hit(handler, "10.0.0.1:1"); rr.Code != http.StatusOK {
			t.Fatalf("call %d: %d", i, rr.Code)
		}
	}
}

func TestTimingSetsHeaderAndLogs(t *testing.T) {
	var buf bytes.Buffer
	handler := middleware.RequestID(Timing(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Process-Time") == "" {
		t.Fatal("expected X-Process-Time header")
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms", "client"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["message"] != "request_complete" || entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestTimingHeaderOnEmptyResponse(t *testing.T) {
	handler := Timing(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("X-Process-Time") == "" {
		t.Fatal("expected X-Process-Time header on an empty response")
	}
}

func TestTimingLogsAndRepanics(t *testing.T) {
	var buf bytes.Buffer
	handler := Timing(zerolog.New(&buf))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() {
			if rec := recover(); rec != "boom" {
				t.Fatalf("expected panic to propagate, got %v", rec)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/panic", nil))
	}()

	line := buf.String()
	if !strings.Contains(line, `"status":500`) || !strings.Contains(line, `"panic":true`) {
		t.Fatalf("panic not logged: %s", line)
	}
}

func TestExemptBypassesChain(t *testing.T) {
	direct := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	blocked := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Exempt(direct, isExemptPath)(blocked)

	for path, want := range map[string]int{
		"/healthz":        http.StatusOK,
		"/metrics":        http.StatusOK,
		"/static/app.css": http.StatusOK,
		"/hospitals":      http.StatusTeapot,
		"/healthz/extra":  http.StatusTeapot,
	} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rr.Code)
		}
	}
}
