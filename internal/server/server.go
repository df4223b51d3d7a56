// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/server/handler"
	"github.com/alanyoungcy/nftmarket/internal/server/middleware"
	"github.com/alanyoungcy/nftmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, API key authentication is disabled
	// RateLimit is the number of requests per minute allowed per client;
	// zero disables limiting.
	RateLimit       int
	SignatureAuth   bool
	SignatureWindow time.Duration

	// TrustProxyHeaders keys anonymous clients on X-Forwarded-For or
	// X-Real-IP instead of the connection address.
	TrustProxyHeaders bool
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Market *handler.MarketHandler
	// Audit is optional; nil leaves /api/audit unrouted.
	Audit *handler.AuditHandler
	// Metrics serves the Prometheus exposition; nil leaves /metrics unrouted.
	Metrics http.Handler
}

// Options carries the optional collaborators of the server.
type Options struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Observer middleware.Observer
}

// Server is the HTTP + WebSocket API of the marketplace.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, opts, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler returns the routed and wrapped handler without binding a
// listener.
func NewHandler(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	m := handlers.Market
	// Commands.
	mux.HandleFunc("POST /api/nfts", m.Mint)
	mux.HandleFunc("POST /api/nfts/{id}/listing/fixed", m.ListFixedPrice)
	mux.HandleFunc("POST /api/nfts/{id}/listing/auction", m.ListAuction)
	mux.HandleFunc("DELETE /api/nfts/{id}/listing", m.CancelListing)
	mux.HandleFunc("POST /api/nfts/{id}/buy", m.Buy)
	mux.HandleFunc("POST /api/nfts/{id}/bids", m.Bid)
	mux.HandleFunc("POST /api/nfts/{id}/end", m.EndAuction)
	mux.HandleFunc("POST /api/withdraw", m.Withdraw)

	// Queries.
	mux.HandleFunc("GET /api/info", m.Info)
	mux.HandleFunc("GET /api/nfts/{id}", m.GetNFT)
	mux.HandleFunc("GET /api/listings/fixed", m.FixedPriceListings)
	mux.HandleFunc("GET /api/listings/auction", m.AuctionListings)
	mux.HandleFunc("GET /api/nfts/{id}/auction/end-time", m.AuctionEndTime)
	mux.HandleFunc("GET /api/nfts/{id}/bidders", m.Bidders)
	mux.HandleFunc("GET /api/balance", m.Balance)
	mux.HandleFunc("GET /api/accounts/{address}/withdrawable", m.Withdrawable)
	mux.HandleFunc("GET /api/accounts/{address}/payouts", m.Payouts)
	mux.HandleFunc("GET /api/events", m.Events)
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}

	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}

	// Innermost first.
	h := middleware.Routes(mux)
	h = middleware.RateLimit(opts.Limiter, middleware.RateLimitConfig{
		Limit:      cfg.RateLimit,
		Window:     time.Minute,
		TrustProxy: cfg.TrustProxyHeaders,
	}, logger)(h)
	h = middleware.CallerAuth(middleware.CallerAuthConfig{
		RequireSignature: cfg.SignatureAuth,
		Window:           cfg.SignatureWindow,
	}, logger)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, opts.Observer)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
