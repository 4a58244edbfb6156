// Package api serves the overseer HTTP API: submissions, status, metrics and
// a server-sent event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mattjoyce/overseer/internal/auth"
	"github.com/mattjoyce/overseer/internal/events"
	"github.com/mattjoyce/overseer/internal/history"
	"github.com/mattjoyce/overseer/internal/metrics"
	"github.com/mattjoyce/overseer/internal/service"
)

// Backend is the part of the service the API drives.
type Backend interface {
	Submit(ctx context.Context, worker string, input json.RawMessage) (*service.Submission, error)
	Run(ctx context.Context, worker string, input json.RawMessage) (*service.Result, error)
	Get(ctx context.Context, id string) (*history.Submission, error)
	List(ctx context.Context, f history.ListFilter) ([]*history.Submission, error)
	Status(ctx context.Context) (*service.StatusReport, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens      []auth.TokenConfig
	CORSOrigins []string
	// MaxConcurrentSync bounds requests waiting with ?wait=true.
	MaxConcurrentSync int
	MaxSyncTimeout    time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config        Config
	backend       Backend
	events        *events.Hub
	metrics       *metrics.Collector
	httpMetrics   *httpMetrics
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	syncSemaphore chan struct{}
}

// New creates a new API server instance. collector may be nil, which leaves
// /metrics unrouted.
func New(config Config, backend Backend, hub *events.Hub, collector *metrics.Collector, logger *slog.Logger) *Server {
	if config.MaxConcurrentSync <= 0 {
		config.MaxConcurrentSync = 10
	}
	if config.MaxSyncTimeout <= 0 {
		config.MaxSyncTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:        config,
		backend:       backend,
		events:        hub,
		metrics:       collector,
		logger:        logger,
		startedAt:     time.Now(),
		syncSemaphore: make(chan struct{}, config.MaxConcurrentSync),
	}
	if collector != nil {
		s.httpMetrics = newHTTPMetrics(collector.Registry())
	}
	return s
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Long enough for ?wait=true requests.
		WriteTimeout: s.config.MaxSyncTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if s.httpMetrics != nil {
		r.Use(s.httpMetrics.middleware)
	}

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeSubmissionsRW)).Post("/submissions/{worker}", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeSubmissionsRead)).Get("/submissions", s.handleListSubmissions)
		r.With(s.requireScopes(auth.ScopeSubmissionsRead)).Get("/submissions/{id}", s.handleGetSubmission)
		r.With(s.requireScopes(auth.ScopeSubmissionsRead)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeSubmissionsRead)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
