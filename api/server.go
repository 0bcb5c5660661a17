package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server wraps the HTTP listener with health, metrics, and the /api surface.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	startTime  time.Time

	// health is an optional component status check merged into /health.
	health func() map[string]any
}

// Registrar is anything that can attach handlers to the mux.
type Registrar interface {
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}

// NewServer assembles the mux. metricsHandler may be nil to skip /metrics.
func NewServer(port int, logger *slog.Logger, metricsHandler http.Handler, handlers ...Registrar) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	for _, h := range handlers {
		h.RegisterHTTPHandlers("/api/", mux)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// OnHealth installs a component status check reported by /health.
func (s *Server) OnHealth(f func() map[string]any) {
	s.health = f
}

// Start serves until the listener fails or Shutdown is called. Blocking.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}
