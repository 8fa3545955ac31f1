// Package status serves a small read-only HTTP API describing a running
// trigger: liveness, per-listener state and per-component invocation stats.
package status

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

	"github.com/miladsoleymani/mqttrigger/core"
)

// ListenerSource is the view of the dispatcher the server reports on.
type ListenerSource interface {
	Metadata() core.TriggerMetadata
	Listeners() []core.ListenerStatus
}

// Config holds status server configuration.
type Config struct {
	Listen string
}

// Server is the status HTTP server.
type Server struct {
	config    Config
	source    ListenerSource
	stats     *Collector
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a status server. stats may be shared with the metrics
// middleware so invocations show up under /components.
func New(config Config, source ListenerSource, stats *Collector, logger *slog.Logger) *Server {
	if stats == nil {
		stats = NewCollector()
	}
	return &Server{
		config:    config,
		source:    source,
		stats:     stats,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Stats returns the collector backing /components.
func (s *Server) Stats() *Collector { return s.stats }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("status server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/listeners", s.handleListeners)
	r.Get("/components/{component}", s.handleComponent)

	return r
}

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

// handleHealthz reports "ok" while every listener is alive, "degraded" when
// some have terminated and "down" (503) when all of them have.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	listeners := s.source.Listeners()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Listeners:     len(listeners),
	}
	for _, l := range listeners {
		if l.State == core.StateTerminated {
			resp.ListenersTerminated++
		} else {
			resp.ListenersUp++
		}
	}

	code := http.StatusOK
	switch {
	case resp.Listeners > 0 && resp.ListenersUp == 0:
		resp.Status = "down"
		code = http.StatusServiceUnavailable
	case resp.ListenersTerminated > 0:
		resp.Status = "degraded"
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ListenersResponse{
		Trigger:    s.source.Metadata(),
		Listeners:  s.source.Listeners(),
		Components: s.stats.Snapshot(),
	})
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")

	resp := ComponentResponse{Bindings: []core.ListenerStatus{}}
	for _, l := range s.source.Listeners() {
		if l.Binding.Component == name {
			resp.Bindings = append(resp.Bindings, l)
		}
	}
	if len(resp.Bindings) == 0 {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("component %q is not bound", name))
		return
	}
	resp.Stats, _ = s.stats.Component(name)
	resp.Stats.Component = name
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg})
}
