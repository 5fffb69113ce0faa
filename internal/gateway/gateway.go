// ABOUTME: Gateway orchestrator wiring store, agent client, relay, and HTTP server
// ABOUTME: Manages startup, routing, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/billsbio/bio-gateway/internal/agent"
	"github.com/billsbio/bio-gateway/internal/config"
	"github.com/billsbio/bio-gateway/internal/dedupe"
	"github.com/billsbio/bio-gateway/internal/relay"
	"github.com/billsbio/bio-gateway/internal/store"
)

// Gateway orchestrates the bio-gateway server components: the conversation
// store, the upstream agent client, the stream relay, and the HTTP surface.
type Gateway struct {
	config     *config.Config
	store      store.Store
	agent      *agent.Client
	relay      *relay.Relay
	dedupe     *dedupe.Cache
	limiter    *rateLimiter
	metrics    *metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the store from config, honoring the BIO_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BIO_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	agentClient := agent.NewClient(cfg.Agent.URL, cfg.Agent.IdleTimeout, cfg.Agent.ConnectTimeout, logger)
	dedupeCache := dedupe.New(5*time.Minute, 100_000) // TTL 5min, max 100k entries

	g := &Gateway{
		config: cfg,
		store:  s,
		agent:  agentClient,
		relay:  relay.New(s, agentClient, dedupeCache, logger),
		dedupe: dedupeCache,
		logger: logger.With("component", "gateway"),
	}

	if cfg.RateLimit.Enabled {
		g.limiter = newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	if cfg.Metrics.Enabled {
		g.metrics = newMetrics()
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerRoutes wires all HTTP endpoints onto the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/agent", g.handleAgentHealth)

	mux.HandleFunc("/api/chat/stream", g.handleChatStream)
	mux.HandleFunc("/api/conversations", g.handleConversations)
	mux.HandleFunc("/api/conversations/", g.handleConversationRoutes)

	if g.metrics != nil {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, g.metrics.handler())
	}
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	g.dedupe.Close()
	if g.limiter != nil {
		g.limiter.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAgentHealth probes the upstream agent and reports its reachability.
func (g *Gateway) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := g.agent.Health(ctx); err != nil {
		g.logger.Warn("agent health check failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "agent unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
