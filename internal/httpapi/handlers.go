package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cytolab.org/internal/auth"
	"cytolab.org/internal/lab"
	"cytolab.org/internal/obs"
	"cytolab.org/internal/stream"
)

const serviceName = "cytolab-api"

// ReadyProbe: простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Ingestor runs the result ingestion transaction for one cell test.
type Ingestor interface {
	Run(ctx context.Context, tenantID, cellTestID string) (*lab.Result, error)
}

// Deps are the collaborators of the HTTP layer. Auth and Lab are required.
type Deps struct {
	Auth    *auth.Service
	Lab     lab.Store
	Ingest  Ingestor
	Stream  *stream.Stream
	Ready   readinessChecker
	Limiter *RateLimiter
	Logger  zerolog.Logger
	Version string
}

// API: HTTP слой.
type API struct {
	router  chi.Router
	auth    *auth.Service
	authn   Authenticator
	lab     lab.Store
	ingest  Ingestor
	stream  *stream.Stream
	ready   readinessChecker
	limiter *RateLimiter
	log     zerolog.Logger
	version string
	started time.Time
}

func New(d Deps) (*API, error) {
	if d.Auth == nil || d.Lab == nil {
		return nil, errors.New("httpapi: auth service and lab store are required")
	}
	ready := d.Ready
	if ready == nil {
		ready = ReadyProbe{}
	}
	a := &API{
		auth:    d.Auth,
		authn:   d.Auth.Tokens(),
		lab:     d.Lab,
		ingest:  d.Ingest,
		stream:  d.Stream,
		ready:   ready,
		limiter: d.Limiter,
		log:     d.Logger,
		version: d.Version,
		started: time.Now().UTC(),
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, obs.Instrument, SecurityHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/metrics
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", a.register)
		r.Post("/verify", a.verifyEmail)
		r.Post("/verify/resend", a.resendVerification)
		r.Post("/login", a.login)
		r.Post("/refresh", a.refresh)
		r.Post("/password-reset", a.requestPasswordReset)
		r.Post("/password-reset/confirm", a.confirmPasswordReset)
	})

	r.Get("/me", a.profile)
	r.Patch("/me", a.updateProfile)
	r.Put("/me/password", a.changePassword)
	r.Put("/users/{userID}/hospital", a.assignHospital)
	r.Get("/ingestions/events", a.Stream)

	r.Route("/hospitals", func(r chi.Router) {
		r.Get("/", a.listHospitals)
		r.Post("/", a.createHospital)
		r.Route("/{hid}", func(r chi.Router) {
			r.Get("/", a.getHospital)
			r.Put("/", a.updateHospital)
			r.Delete("/", a.deleteHospital)
			r.Route("/patients", func(r chi.Router) {
				r.Get("/", a.listPatients)
				r.Post("/", a.createPatient)
				r.Route("/{pid}", func(r chi.Router) {
					r.Get("/", a.getPatient)
					r.Put("/", a.updatePatient)
					r.Delete("/", a.deletePatient)
					r.Route("/cell_tests", func(r chi.Router) {
						r.Get("/", a.listCellTests)
						r.Post("/", a.createCellTest)
						r.Route("/{tid}", func(r chi.Router) {
							r.Get("/", a.getCellTest)
							r.Get("/images", a.listImages)
							r.Post("/images", a.addImage)
							r.Get("/results", a.listResults)
							r.Post("/process", a.process)
						})
					})
				})
			})
		})
	})
	return r
}

// Handler assembles the mediator chain in front of the router:
// exemption, rate limit, authentication gate, timing.
func (a *API) Handler() http.Handler {
	mediated := a.limiter.Middleware(Gate(a.authn)(Timing(a.log)(a.router)))
	h := Exempt(a.router, isExemptPath)(mediated)
	// No RealIP: forwarding headers are trusted only by the limiter's ClientResolver.
	h = middleware.RequestID(h)
	return otelhttp.NewHandler(h, serviceName)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
		"uptime":  time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
