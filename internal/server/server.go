// Package server implements the HTTP transport layer for the Warden gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/engine"
	"github.com/eugener/warden/internal/health"
	"github.com/eugener/warden/internal/kv"
	"github.com/eugener/warden/internal/oauth"
	"github.com/eugener/warden/internal/pool"
	"github.com/eugener/warden/internal/route"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/telemetry"
)

// Pinger reports storage connectivity for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth   *auth.APIKeyAuth
	Admin  *auth.AdminAuth
	Engine *engine.Engine
	OAuth  *oauth.Manager
	Prober *health.Prober // nil = no manual health-check endpoint
	Pool   *pool.Pool
	Table  *route.Table

	Store    Pinger // nil = storage always healthy
	Accounts *storage.AccountRepo
	Keys     *storage.KeyRepo
	Routes   *storage.RouteRepo
	Usage    *storage.UsageRepo
	Users    *storage.UserRepo
	KV       kv.Cache
	EncKey   []byte

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing

	// MaxConcurrent bounds in-flight inference requests; admission waits
	// briefly, then rejects with 503.
	MaxConcurrent int
	AdmissionWait time.Duration
	Now           func() time.Time
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &server{deps: deps}
	if deps.MaxConcurrent > 0 {
		s.admission = semaphore.NewWeighted(int64(deps.MaxConcurrent))
	}
	if deps.AdmissionWait <= 0 {
		deps.AdmissionWait = 500 * time.Millisecond
	}
	s.admissionWait = deps.AdmissionWait

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Inference passthrough (auth + admission). Each route is bound to the
	// provider protocol its path implies; the route table may still move
	// the request to another provider's account pool.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requirePermission(permInference))
		r.Use(s.admit)
		r.Post("/v1/messages", s.handleProxy(providerAnthropic))
		r.Post("/v1/chat/completions", s.handleProxy(providerOpenAI))
		r.Post("/v1beta/models/{model}", s.handleProxy(providerGemini))
		r.Post("/compatible-mode/v1/chat/completions", s.handleProxy(providerQwen))
	})

	// Management API (admin JWT or an API key carrying the admin permission)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticateAdmin)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleCreateAccount)
		r.Put("/accounts/{id}", s.handleUpdateAccount)
		r.Delete("/accounts/{id}", s.handleDeleteAccount)
		r.Post("/accounts/{id}/health-check", s.handleAccountHealthCheck)

		r.Get("/apikeys", s.handleListKeys)
		r.Post("/apikeys", s.handleCreateKey)
		r.Delete("/apikeys/{id}", s.handleDeleteKey)
		r.Put("/apikeys/{id}/model-routes", s.handleReplaceKeyRoutes)

		r.Post("/oauth/start", s.handleOAuthStart)
		r.Post("/oauth/callback", s.handleOAuthCallback)
		r.Get("/oauth/status/{state}", s.handleOAuthStatus)

		r.Get("/dashboard/stats", s.handleDashboardStats)
	})

	return r
}

type server struct {
	deps          Deps
	admission     *semaphore.Weighted
	admissionWait time.Duration
}
