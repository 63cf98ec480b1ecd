package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/server/handler"
	"github.com/alanyoungcy/txnbridge/internal/server/middleware"
	"github.com/alanyoungcy/txnbridge/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, only the X-User-ID header is required
	// WebhookRateLimit is requests per WebhookRateWindow per client IP.
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
}

// Deps aggregates the handlers and collaborators the server registers.
// Webhooks and Hub may be nil.
type Deps struct {
	Health      *handler.HealthHandler
	Connections *handler.ConnectionHandler
	Webhooks    http.Handler
	Hub         *ws.Hub
	Limiter     domain.RateLimiter
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// New creates a Server with all routes registered on the ServeMux and the
// middleware chain applied.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	auth := middleware.Auth(cfg.APIKey)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", deps.Health.HealthCheck)

	// Tenant API, behind the route layer's user header.
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}
	api("GET /api/providers", deps.Connections.ListProviders)
	api("GET /api/connections", deps.Connections.ListConnections)
	api("POST /api/connections", deps.Connections.CreateConnection)
	api("POST /api/connections/{id}/sync", deps.Connections.SyncConnection)
	api("POST /api/connections/{id}/refresh", deps.Connections.RefreshConnection)
	api("DELETE /api/connections/{id}", deps.Connections.DeleteConnection)
	api("GET /api/audit", deps.Connections.ListAudit)

	// Provider webhooks authenticate by signature, not API key.
	if deps.Webhooks != nil {
		window := cfg.WebhookRateWindow
		if window <= 0 {
			window = time.Minute
		}
		mux.Handle("POST /webhooks/{connector}",
			middleware.RateLimit(deps.Limiter, "webhook", cfg.WebhookRateLimit, window)(deps.Webhooks))
	}

	// WebSocket endpoint; the hub authenticates the session token itself.
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.RequestIDs(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
