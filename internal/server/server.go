// Package server provides the HTTP server for the control plane API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/config"
	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/handler"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/health"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/metrics"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/middleware"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthCheck
	errorHandler *apierrors.Handler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server. m may be nil when metrics are
// disabled.
func NewServer(
	cfg *config.Config,
	service handler.DeploymentService,
	healthCheck *health.HealthCheck,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(service, errorHandler, logger, cfg.Server.RequestTimeout)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	s := &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS(s.cfg.Server.AllowedOrigins),
	}
	if s.metrics != nil {
		middlewareChain = append(middlewareChain, metrics.Middleware(s.metrics))
	}
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
			middleware.WithMaxTenants(s.cfg.RateLimiter.MaxTenants),
			middleware.WithIdleTimeout(s.cfg.RateLimiter.IdleTimeout),
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/info", s.handlers.Info).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.handlers.GetMetrics).Methods(http.MethodGet)

	v1.HandleFunc("/deployments", s.handlers.ListDeployments).Methods(http.MethodGet)
	v1.HandleFunc("/deployments", s.handlers.CreateDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}", s.handlers.GetDeployment).Methods(http.MethodGet)
	v1.HandleFunc("/deployments/{id}", s.handlers.DeleteDeployment).Methods(http.MethodDelete)
	v1.HandleFunc("/deployments/{id}/replicas", s.handlers.ScaleDeployment).Methods(http.MethodPut)

	// Lifecycle signals
	v1.HandleFunc("/deployments/{id}/stop", s.handlers.StopDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/ready", s.handlers.MarkReady).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/fail", s.handlers.MarkFailed).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/requests", s.handlers.RecordServedRequest).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.KindInvalidArgument, "endpoint not found", r.Header.Get(middleware.RequestIDHeader))
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.KindInvalidArgument, "method not allowed", r.Header.Get(middleware.RequestIDHeader))
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.cfg.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
