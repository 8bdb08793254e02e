package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketsim/internal/config"
	"marketsim/internal/engine"
)

// Server runs the HTTP and WebSocket surface for the simulator.
type Server struct {
	cfg      config.ServerConfig
	mgr      *engine.Manager
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. The returned server shares the hub passed to
// the engine as its broadcaster.
func NewServer(cfg config.ServerConfig, mgr *engine.Manager, hub *Hub, logger *slog.Logger) *Server {
	handlers := NewHandlers(mgr, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/sessions", handlers.HandleCreateSession)
	mux.HandleFunc("GET /api/sessions", handlers.HandleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handlers.HandleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handlers.HandleDeleteSession)

	mux.HandleFunc("POST /api/sessions/{id}/start", handlers.lifecycle(mgr.StartSession))
	mux.HandleFunc("POST /api/sessions/{id}/pause", handlers.lifecycle(mgr.PauseSession))
	mux.HandleFunc("POST /api/sessions/{id}/resume", handlers.lifecycle(mgr.ResumeSession))
	mux.HandleFunc("POST /api/sessions/{id}/stop", handlers.lifecycle(mgr.StopSession))
	mux.HandleFunc("POST /api/sessions/{id}/reset", handlers.lifecycle(mgr.ResetSession))

	mux.HandleFunc("PUT /api/sessions/{id}/speed", handlers.HandleSetSpeed)
	mux.HandleFunc("PUT /api/sessions/{id}/mode", handlers.HandleSetMode)
	mux.HandleFunc("POST /api/sessions/{id}/cascade", handlers.HandleCascade)
	mux.HandleFunc("POST /api/sessions/{id}/scenario", handlers.HandleStartScenario)
	mux.HandleFunc("DELETE /api/sessions/{id}/scenario", handlers.HandleEndScenario)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		mgr:      mgr,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called. The hub must already be running.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
