// Package server is the ops HTTP server: health, read-only market and
// account lookups, Prometheus metrics and the lifecycle websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/boxmeout/internal/server/handler"
	"github.com/alanyoungcy/boxmeout/internal/server/middleware"
	"github.com/alanyoungcy/boxmeout/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // empty disables authentication
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health   *handler.HealthHandler
	Markets  *handler.MarketHandler
	Accounts *handler.AccountHandler
	// Audit is optional.
	Audit *handler.AuditHandler
}

// Server wraps an http.Server with the ops routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and middleware. wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the handler tree.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/report", handlers.Markets.GetReport)
	mux.HandleFunc("GET /api/accounts/{id}", handlers.Accounts.GetAccount)
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/markets/{id}/audit", handlers.Audit.GetMarketAudit)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	return h
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
