// Package server exposes the integration over HTTP.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/drewdunne/labpulse/internal/cache"
	"github.com/drewdunne/labpulse/internal/config"
	"github.com/drewdunne/labpulse/internal/integration"
	"github.com/drewdunne/labpulse/internal/logging"
	"github.com/drewdunne/labpulse/internal/metrics"
	"github.com/drewdunne/labpulse/internal/oauth"
	"github.com/drewdunne/labpulse/internal/ratelimit"
	"github.com/drewdunne/labpulse/internal/webhook"
)

const apiTimeout = 60 * time.Second

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// MetricsResponse is the /metrics payload.
type MetricsResponse struct {
	metrics.Snapshot
	Cache   *cache.Stats     `json:"cache,omitempty"`
	Limiter *ratelimit.Stats `json:"limiter,omitempty"`
}

// Server is the HTTP server for labpulse.
type Server struct {
	cfg    *config.Config
	router chi.Router
	ready  chan struct{} // closed once the listener is bound

	mu       sync.RWMutex
	http     *http.Server
	listener net.Listener

	service  *integration.Service
	flow     *oauth.Flow
	webhooks *webhook.Router
	metrics  *metrics.Registry
	logger   logrus.FieldLogger
}

// Option configures the Server.
type Option func(*Server)

// WithService serves the /api routes and /health from svc.
func WithService(svc *integration.Service) Option {
	return func(s *Server) { s.service = svc }
}

// WithOAuth enables the /oauth routes.
func WithOAuth(flow *oauth.Flow) Option {
	return func(s *Server) { s.flow = flow }
}

// WithWebhooks mounts r at POST /webhook/gitlab.
func WithWebhooks(r *webhook.Router) Option {
	return func(s *Server) { s.webhooks = r }
}

// WithMetrics sets the registry reported at /metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a new Server with the given config.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		ready:  make(chan struct{}),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// routes sets up the HTTP routes.
func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	if s.webhooks != nil {
		r.Post("/webhook/gitlab", s.webhooks.ServeHTTP)
	}

	r.Route("/oauth", func(r chi.Router) {
		r.Use(s.requireOAuth)
		r.Get("/authorize", s.handleAuthorize)
		r.Get("/callback", s.handleCallback)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireService)
		r.Use(middleware.Timeout(apiTimeout))
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/activity", s.handleActivity)
		r.Get("/projects/compare", s.handleCompare)
		r.Get("/projects/{id}/insights", s.handleInsights)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheClear)
		r.Get("/limiter/stats", s.handleLimiterStats)
	})
}

// requestLogger logs each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// handleHealth responds with server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]interface{}{
		"oauth":    s.flow != nil,
		"webhooks": s.webhooks != nil,
	}

	status := "ok"
	switch {
	case s.service == nil || !s.service.Initialized():
		checks["gitlab"] = "not connected"
		status = "degraded"
	default:
		report := s.service.TestConnection(r.Context())
		checks["gitlab"] = report
		if !report.Success {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status: status,
		Checks: checks,
	})
}

// handleMetrics responds with current operational metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := MetricsResponse{Snapshot: s.metrics.Get()}
	if s.service != nil {
		if st, ok := s.service.CacheStats(); ok {
			resp.Cache = &st
		}
		if st, ok := s.service.LimiterStats(); ok {
			resp.Limiter = &st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
