// Package httpapi is the HTTP surface of the privileged-account subsystem.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"zettanote.org/internal/abuse"
	"zettanote.org/internal/admin"
	"zettanote.org/internal/obs"
)

const serviceName = "zettanote-admin-api"

// Fixed-window budgets for the privileged routes. Login counts only failed
// attempts; creation is the strictest because it is the highest-impact
// operation.
const (
	loginWindow  = 15 * time.Minute
	loginMax     = 5
	apiWindow    = 15 * time.Minute
	apiMax       = 100
	createWindow = time.Hour
	createMax    = 3
)

// ReadyProbe checks readiness, e.g. by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        *admin.Service

	loginLimiter  *abuse.Limiter
	apiLimiter    *abuse.Limiter
	createLimiter *abuse.Limiter
	detector      *abuse.Detector

	// Transport token bucket in front of everything (per client IP).
	rateBurst  int
	ratePerSec int
}

// New wires routes and abuse controls.
func New(rp ReadyProbe, version string, svc *admin.Service) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       version,
		svc:           svc,
		loginLimiter:  abuse.NewLimiter(loginWindow, loginMax),
		apiLimiter:    abuse.NewLimiter(apiWindow, apiMax),
		createLimiter: abuse.NewLimiter(createWindow, createMax),
		detector:      abuse.NewDetector(),
		rateBurst:     50,
		ratePerSec:    25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// privileged routes
	a.mux.HandleFunc("/v1/admin/login", a.adminGuard(a.handleLogin))
	a.mux.HandleFunc("/v1/admin/password", a.adminGuard(a.handlePasswordRotation))
	a.mux.HandleFunc("/v1/admin/accounts", a.adminGuard(a.handleAccountsCollection))
	a.mux.HandleFunc("/v1/admin/accounts/", a.adminGuard(a.handleAccountResource))
	a.mux.HandleFunc("/v1/admin/users/", a.adminGuard(a.handleUserModeration))
	a.mux.HandleFunc("/v1/admin/analytics", a.adminGuard(a.handleAnalytics))
	a.mux.HandleFunc("/v1/admin/events", a.adminGuard(a.handleEventStream))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.Suspicion(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// adminGuard applies the general fixed-window limiter that covers every
// privileged-account route regardless of outcome.
func (a *API) adminGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !a.apiLimiter.Allow(ip) {
			obs.RateLimited.WithLabelValues("api").Inc()
			writeRateLimited(w, r, a.apiLimiter.RetryAfter(ip))
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
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

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
