package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/scaling"
	"github.com/opensource-security/kestrel/internal/trust"
)

// Deps bundles the handler's collaborators.
type Deps struct {
	Engine      *trust.Engine
	Controller  *scaling.Controller
	PolicyCache *scaling.PolicyCache

	Profiles domain.ProfileStore
	Policies domain.PolicyStore
	Levels   domain.SecurityLevelStore
	Events   domain.EventStore

	Cache domain.Cache
	Bus   domain.EventBus

	Version string

	// Async defers controller evaluation to the worker via the event bus
	// instead of running it inline with the request.
	Async bool
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Trust evaluation
		r.Post("/evaluate", handler.Evaluate)

		// Result and profile retrieval
		r.Get("/results/{id}", handler.GetResult)
		r.Get("/profiles/{principalId}", handler.GetProfile)

		// Trigger management
		r.Get("/triggers", handler.ListTriggers)
		r.Get("/triggers/{id}", handler.GetTrigger)
		r.Post("/triggers", handler.CreateTrigger)
		r.Put("/triggers/{id}", handler.UpdateTrigger)
		r.Delete("/triggers/{id}", handler.DeleteTrigger)
		r.Post("/triggers/reload", handler.ReloadPolicies)

		// Policy management
		r.Get("/policies", handler.ListPolicies)
		r.Get("/policies/{id}", handler.GetPolicy)
		r.Post("/policies", handler.CreatePolicy)
		r.Put("/policies/{id}", handler.UpdatePolicy)
		r.Delete("/policies/{id}", handler.DeletePolicy)
		r.Post("/policies/reload", handler.ReloadPolicies)

		// Security posture
		r.Get("/levels/{principalId}", handler.GetLevels)
		r.Post("/adjustments", handler.CreateAdjustment)

		// Scaling events
		r.Get("/events/{id}", handler.GetEvent)
		r.Post("/events/{id}/revoke", handler.RevokeEvent)
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
