// Package api provides the HTTP control and query surface of quorum-flow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/definition"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service/workflow"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	Start(ctx context.Context, workflowID core.WorkflowID, opts workflow.StartOptions) (*core.Instance, error)
	Approve(ctx context.Context, id core.InstanceID, phaseID core.PhaseID, edited map[string]interface{}) error
	Reject(ctx context.Context, id core.InstanceID, phaseID core.PhaseID, reason string) error
	Cancel(ctx context.Context, id core.InstanceID, reason string) error
	SendInput(ctx context.Context, id core.InstanceID, text string) error
	InFlight(id core.InstanceID) []workflow.InFlight
	Metrics() *service.MetricsCollector
}

// Server provides HTTP REST API endpoints for workflow management.
type Server struct {
	router      chi.Router
	store       core.StateStore
	engine      Engine
	bus         *events.EventBus
	importer    *definition.Importer
	logger      *logging.Logger
	corsOrigins []string
	heartbeat   time.Duration
	monitor     *diagnostics.ResourceMonitor
	system      *diagnostics.SystemMetricsCollector
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCORSOrigins sets the allowed browser origins. Empty allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithDiagnostics enables GET /api/v1/diagnostics.
func WithDiagnostics(monitor *diagnostics.ResourceMonitor, system *diagnostics.SystemMetricsCollector) ServerOption {
	return func(s *Server) {
		s.monitor = monitor
		s.system = system
	}
}

// NewServer creates a new API server.
func NewServer(store core.StateStore, engine Engine, bus *events.EventBus, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		engine:    engine,
		bus:       bus,
		logger:    logging.NewNop(),
		heartbeat: 15 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.importer = definition.NewImporter(store, s.logger)
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match", "X-Requested-With"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleImportWorkflow)

			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Post("/start", s.handleStartWorkflow)
			})
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)

			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", s.handleGetInstance)
				r.Get("/executions", s.handleListExecutions)
				r.Get("/gates", s.handleListGates)
				r.Get("/checkpoints/latest", s.handleLatestCheckpoint)
				r.Get("/events", s.handleSSE)

				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
				r.Post("/cancel", s.handleCancel)
				r.Post("/input", s.handleInput)
			})
		})

		r.Get("/events", s.handleSSE)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/diagnostics", s.handleDiagnostics)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// respondDomainError maps err to a status code and writes it.
func (s *Server) respondDomainError(w http.ResponseWriter, err error, action string) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		s.logger.Error(action, "error", err)
		respondError(w, http.StatusInternalServerError, action)
		return
	}
	var domErr *core.DomainError
	errors.As(err, &domErr)
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: domErr.Code, Details: domErr.Details})
}

// decodeBody decodes an optional JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "invalid request body: "+err.Error())
	}
	return nil
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// MetricsResponse is the body of GET /api/v1/metrics.
type MetricsResponse struct {
	service.MetricsSnapshot
	EventsDropped    int64 `json:"events_dropped"`
	EventSubscribers int   `json:"event_subscribers"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := MetricsResponse{}
	if s.engine != nil && s.engine.Metrics() != nil {
		resp.MetricsSnapshot = s.engine.Metrics().Snapshot()
	}
	if s.bus != nil {
		resp.EventsDropped = s.bus.DroppedCount()
		resp.EventSubscribers = s.bus.SubscriberCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

// DiagnosticsResponse is the body of GET /api/v1/diagnostics.
type DiagnosticsResponse struct {
	Process  diagnostics.ResourceSnapshot `json:"process"`
	Trend    diagnostics.ResourceTrend    `json:"trend"`
	Warnings []diagnostics.HealthWarning  `json:"warnings"`
	System   *diagnostics.SystemMetrics   `json:"system,omitempty"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "diagnostics disabled")
		return
	}
	resp := DiagnosticsResponse{
		Process:  s.monitor.TakeSnapshot(),
		Trend:    s.monitor.Trend(),
		Warnings: s.monitor.CheckHealth(),
	}
	if resp.Warnings == nil {
		resp.Warnings = []diagnostics.HealthWarning{}
	}
	if s.system != nil {
		sys := s.system.Collect()
		resp.System = &sys
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
