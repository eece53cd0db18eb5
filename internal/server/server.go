// Package server exposes the loop engine over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/observability"
	"github.com/alanyoungcy/loopbot/internal/server/handler"
	"github.com/alanyoungcy/loopbot/internal/server/middleware"
	"github.com/alanyoungcy/loopbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route but health; empty disables it.
	APIKey string
	// HMACSecret additionally requires signed mutating requests.
	HMACSecret      string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Session *handler.SessionHandler
	History *handler.HistoryHandler
}

// Server is the HTTP + websocket API of the loop engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain
// (outermost first): CORS, logging, metrics, rate limit, API key, signature.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, hub, limiter, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Deposits and closes answer after the transaction is mined.
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the handler tree. It is separate from NewServer so tests can
// drive it with httptest.
func Routes(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/session", handlers.Session.GetSession)
	mux.HandleFunc("DELETE /api/session", handlers.Session.Teardown)
	mux.HandleFunc("POST /api/session/configure", handlers.Session.Configure)
	mux.HandleFunc("POST /api/session/deposit", handlers.Session.Deposit)
	mux.HandleFunc("POST /api/session/close", handlers.Session.ClosePosition)
	mux.HandleFunc("POST /api/session/repay", handlers.Session.Repay)
	mux.HandleFunc("POST /api/session/withdraw", handlers.Session.Withdraw)
	mux.HandleFunc("POST /api/session/resume", handlers.Session.Resume)

	mux.HandleFunc("GET /api/sessions", handlers.History.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/timeline", handlers.History.Timeline)
	mux.HandleFunc("GET /api/sessions/{id}/iterations", handlers.History.Iterations)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Signed(cfg.HMACSecret, time.Now)(h)
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Metrics(observability.Loop())(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
