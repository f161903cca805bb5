package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/hospitals/abc":             "/hospitals/abc",
		"/auth/login?next=/me":       "/auth/login",
		"/hospitals/abc/patients?x=": "/hospitals/abc/patients",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/hospitals/{hospitalID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/hospitals/{hospitalID}", "418"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/hospitals/h-1", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/hospitals/{hospitalID}", "418"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by one, before=%v after=%v", before, after)
	}
}

func TestSweepFinishedCountsOutcomes(t *testing.T) {
	okBefore := testutil.ToFloat64(sweepRuns.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(sweepRuns.WithLabelValues("error"))
	deletedBefore := testutil.ToFloat64(sweepDeleted)

	SweepFinished(3, nil)
	SweepFinished(0, errors.New("db down"))

	if got := testutil.ToFloat64(sweepRuns.WithLabelValues("ok")); got != okBefore+1 {
		t.Fatalf("ok runs = %v", got)
	}
	if got := testutil.ToFloat64(sweepRuns.WithLabelValues("error")); got != errBefore+1 {
		t.Fatalf("error runs = %v", got)
	}
	if got := testutil.ToFloat64(sweepDeleted); got != deletedBefore+3 {
		t.Fatalf("deleted = %v", got)
	}
}

func TestIngestionFinished(t *testing.T) {
	before := testutil.ToFloat64(ingestionsTotal.WithLabelValues("commit", "ok"))
	IngestionFinished("commit", "ok", 250*time.Millisecond)
	if got := testutil.ToFloat64(ingestionsTotal.WithLabelValues("commit", "ok")); got != before+1 {
		t.Fatalf("ingestions = %v", got)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "debug", "json")
	l.Debug().Str("k", "v").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["message"] != "hello" || entry["k"] != "v" || entry["service"] != "cytolab-api" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn", "json")
	l.Info().Msg("dropped")
	if strings.TrimSpace(buf.String()) != "" {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
}

func TestInitBuildInfoKeepsOneSeries(t *testing.T) {
	InitBuildInfo(BuildInfo{Service: "cytolab-api", Version: "0.1.0", Commit: "abc123", Env: "staging"})
	InitBuildInfo(BuildInfo{Service: "cytolab-api", Version: "0.1.1", Commit: "def456"})

	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected a single build_info series, got %d", n)
	}
	got := testutil.ToFloat64(buildInfo.WithLabelValues("cytolab-api", "0.1.1", "def456", "unknown", runtime.Version()))
	if got != 1 {
		t.Fatalf("expected current build series set to 1, got %v", got)
	}
}
