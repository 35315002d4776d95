// Package server exposes the HTTP surface: sync ticks and webhooks, the
// OAuth connect dance, token lifecycle endpoints, topic aggregation and the
// AI feedback loop. Handlers stay thin; domain behavior lives in the
// services they call.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/auth"
	"github.com/tsunagi-ai/tsunagi/internal/ratelimit"
)

// Server is the Tsunagi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
// Limiter is optional; a nil limiter disables rate limiting.
type Config struct {
	Handlers *Handlers
	JWTMgr   *auth.JWTManager
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	// ServiceKeyHash is the argon2id hash internal callers authenticate
	// against; CronSecret is the external scheduler's shared secret.
	ServiceKeyHash string
	CronSecret     string

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// New creates the server with all routes configured.
func New(cfg Config) *Server {
	h := cfg.Handlers

	authn := authenticator{
		jwtMgr:         cfg.JWTMgr,
		serviceKeyHash: cfg.ServiceKeyHash,
		cronSecret:     cfg.CronSecret,
	}
	userAuth := authn.requireUser
	internalAuth := authn.requireInternal

	mux := http.NewServeMux()

	// Sync orchestration (internal callers only).
	mux.Handle("POST /v1/sync/{integration}/tick", internalAuth(http.HandlerFunc(h.handleSyncTick)))
	mux.Handle("POST /v1/tokens/{integration}/refresh", internalAuth(http.HandlerFunc(h.handleTokenRefresh)))

	// Webhooks authenticate by signature, not bearer token.
	mux.Handle("POST /v1/sync/{integration}/webhook", http.HandlerFunc(h.handleWebhook))

	// OAuth connect dance. The callback is hit by a browser redirect and
	// carries its identity in the single-use state token.
	mux.Handle("POST /v1/oauth/{integration}/start", userAuth(http.HandlerFunc(h.handleOAuthStart)))
	mux.Handle("GET /v1/oauth/{integration}/callback", http.HandlerFunc(h.handleOAuthCallback))

	// Integration management.
	mux.Handle("POST /v1/integrations/{integration}/disconnect", userAuth(http.HandlerFunc(h.handleDisconnect)))
	mux.Handle("GET /v1/integrations/status", userAuth(http.HandlerFunc(h.handleIntegrationStatus)))

	// Topic aggregation.
	mux.Handle("POST /v1/topics/aggregate", userAuth(http.HandlerFunc(h.handleTopicsAggregate)))

	// AI recommendation pipeline.
	mux.Handle("POST /v1/ai/route", userAuth(http.HandlerFunc(h.handleAIRoute)))
	mux.Handle("POST /v1/ai/feedback", userAuth(http.HandlerFunc(h.handleAIFeedback)))
	mux.Handle("POST /v1/ai/outcome", userAuth(http.HandlerFunc(h.handleAIOutcome)))
	mux.Handle("GET /v1/ai/preferences", userAuth(http.HandlerFunc(h.handleGetPreferences)))
	mux.Handle("POST /v1/ai/preferences", userAuth(http.HandlerFunc(h.handleUpdatePreferences)))

	// Plan management. Stripe's webhook arrives through the stripe
	// integration's webhook route above.
	mux.Handle("POST /v1/billing/checkout", userAuth(http.HandlerFunc(h.handleBillingCheckout)))
	mux.Handle("POST /v1/billing/portal", userAuth(http.HandlerFunc(h.handleBillingPortal)))

	// Health (no auth).
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	// Middleware chain (outermost executes first):
	// request id → CORS → tracing → logging → rate limit → body limit → handler.
	var handler http.Handler = mux
	handler = maxBodyMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc)(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
