// Package server exposes agent turns and sessions over HTTP, NDJSON and
// WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/michaelbrown/lotse/internal/agent"
	"github.com/michaelbrown/lotse/internal/config"
	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/metrics"
	"github.com/michaelbrown/lotse/internal/storage"
	"github.com/michaelbrown/lotse/internal/tools"
)

// ClientFactory builds the model client for a provider and model.
type ClientFactory func(provider, model string) (llm.Client, error)

// Server is the HTTP server for the lotse API.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	registry *tools.Registry
	executor *agent.Executor
	runs     *RunTracker
	clients  ClientFactory
	logger   *slog.Logger
	metrics  *metrics.Metrics
	router   chi.Router
	http     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithClientFactory replaces the provider lookup in cfg.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Server) { s.clients = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a new Server. registry may be nil.
func New(cfg *config.Config, store storage.Store, registry *tools.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		runs:     NewRunTracker(),
		logger:   slog.Default(),
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clients == nil {
		s.clients = s.configClient
	}
	s.executor = agent.NewExecutor(cfg.ExecConfig(), s.logger, s.metrics)
	s.setupRoutes()
	return s
}

func (s *Server) configClient(provider, model string) (llm.Client, error) {
	p, err := s.cfg.Provider(provider)
	if err != nil {
		return nil, err
	}
	return p.NewClient(model, s.logger)
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Stateless turn
		r.Post("/chat", s.handleChat)

		// Sessions
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/export", s.handleExportSession)
		r.Get("/sessions/{id}/turns", s.handleListTurns)

		// Messages
		r.Get("/sessions/{id}/messages", s.handleGetMessages)
		r.Post("/sessions/{id}/messages", s.handleSendMessage)
		r.Post("/sessions/{id}/cancel", s.handleCancel)

		// WebSocket
		r.Get("/sessions/{id}/ws", s.handleWebSocket)

		// Catalog
		r.Get("/tools", s.handleListTools)
		r.Get("/profiles", s.handleListProfiles)
		r.Get("/providers", s.handleListProviders)
	})

	r.Handle("/metrics", promhttp.Handler())
}

// jsonContentType sets Content-Type to application/json for API routes.
// Streaming handlers override it.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("lotse server starting", "addr", "http://localhost"+addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels in-flight turns, waits for them to persist and stops the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.runs.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.runs.Wait(shutdownCtx); err != nil {
		s.logger.Warn("turns still running at shutdown", "error", err)
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}
