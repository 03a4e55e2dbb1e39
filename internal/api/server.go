package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. A nil gatherer serves the default
// Prometheus registry at /metrics.
func NewServer(cfg domain.ServerConfig, deps Deps, gatherer prometheus.Gatherer) *Server {
	handler := NewHandler(deps)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware(handler.log))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(handler.log))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// No tenant required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Get("/species", handler.ListSpecies)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/assess", handler.Assess)
		r.Post("/assess/batch", handler.AssessBatch)
		r.Get("/assessments/{id}", handler.GetAssessment)

		r.Get("/incidents", handler.ListIncidents)
		r.Post("/incidents", handler.SubmitIncident)
		r.Post("/incidents/import", handler.ImportIncidents)
		r.Get("/incidents/{id}", handler.GetIncident)

		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(s.handler.log.Handler(), slog.LevelWarn),
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
