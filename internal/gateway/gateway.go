// ABOUTME: Gateway that wires the workflow store, orchestrator and broadcaster to servers
// ABOUTME: Manages the HTTP API, WebSocket endpoint, gRPC health and Tailscale listeners

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/khiwniti/pinn-enterprise-platform/internal/auth"
	"github.com/khiwniti/pinn-enterprise-platform/internal/broadcast"
	"github.com/khiwniti/pinn-enterprise-platform/internal/config"
	"github.com/khiwniti/pinn-enterprise-platform/internal/dedupe"
	"github.com/khiwniti/pinn-enterprise-platform/internal/executor"
	"github.com/khiwniti/pinn-enterprise-platform/internal/orchestrator"
	"github.com/khiwniti/pinn-enterprise-platform/internal/session"
	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
)

// Idempotency keys are remembered for a day, bounded in count.
const (
	idempotencyTTL     = 24 * time.Hour
	idempotencyMaxKeys = 10000
)

// Gateway owns every long-lived component of pinn-gateway.
type Gateway struct {
	config       *config.Config
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	hub          *broadcast.Broadcaster
	verifier     *auth.JWTVerifier
	submissions  *submissionValidator
	idempotency  *dedupe.Cache
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
	startedAt    time.Time
}

// Option customizes New. Used by tests and embedders.
type Option func(*options)

type options struct {
	store    store.Store
	executor executor.Executor
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithExecutor replaces the built-in scripted executor.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.executor = e }
}

// initStore opens the configured workflow store.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PINN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if cfg.Database.Driver == "sqlite" && dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := store.Open(ctx, store.Options{
		Driver:   cfg.Database.Driver,
		Path:     dbPath,
		URL:      cfg.Database.URL,
		Prefix:   cfg.Database.Prefix,
		Database: cfg.Database.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server that carries health and reflection.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
		logger.Info("auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	submissions, err := newSubmissionValidator()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	exec := o.executor
	if exec == nil {
		exec = &executor.Scripted{
			Tick:   cfg.Executor.Tick,
			Logger: logger.With("component", "executor"),
		}
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		verifier:    verifier,
		submissions: submissions,
		idempotency: dedupe.New(idempotencyTTL, idempotencyMaxKeys),
		logger:      logger.With("component", "gateway"),
		startedAt:   time.Now(),
	}

	gw.hub = broadcast.New(s, broadcast.Options{
		HeartbeatTimeout: cfg.Sessions.HeartbeatTimeout,
		ActiveWorkflows:  func() int { return gw.orchestrator.Active() },
		Logger:           logger,
	})
	gw.orchestrator = orchestrator.New(orchestrator.Options{
		Store:     s,
		Publisher: gw.hub,
		Executor:  exec,
		Logger:    logger,
	})

	gw.grpcServer = createGRPCServer()
	gw.health = registerGRPCServices(gw.grpcServer)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerHTTPAPIRoutes(mux, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerHTTPAPIRoutes mounts the REST API and WebSocket endpoint behind auth.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux, logger *slog.Logger) {
	var verifier auth.TokenVerifier
	if g.verifier != nil {
		verifier = g.verifier
	}
	authed := auth.HTTPAuthMiddleware(verifier)
	operator := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireOperator()(h))
	}

	mux.Handle("POST /api/workflows", operator(g.handleSubmitWorkflow))
	mux.Handle("GET /api/workflows", authed(http.HandlerFunc(g.handleListWorkflows)))
	mux.Handle("GET /api/workflows/{id}", authed(http.HandlerFunc(g.handleGetWorkflow)))
	mux.Handle("GET /api/workflows/stats/summary", authed(http.HandlerFunc(g.handleStatsSummary)))
	mux.Handle("POST /api/workflows/{id}/stop", operator(g.handleStopWorkflow))
	mux.Handle("POST /api/workflows/{id}/restart", operator(g.handleRestartWorkflow))
	mux.Handle("GET /api/status", authed(http.HandlerFunc(g.handleStatus)))

	ws := session.NewHandler(g.hub, session.Options{
		SendBuffer:   g.config.Sessions.SendBuffer,
		WriteTimeout: g.config.Sessions.WriteTimeout,
		RateLimit:    g.config.Sessions.RateLimit,
		RateBurst:    g.config.Sessions.RateBurst,
		Logger:       logger,
	})
	mux.Handle("GET /ws", authed(ws))
}

// Handler returns the HTTP handler, for mounting in tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Orchestrator returns the workflow orchestrator.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.orchestrator
}

// Broadcaster returns the session broadcaster.
func (g *Gateway) Broadcaster() *broadcast.Broadcaster {
	return g.hub
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners on the tailnet when tailscale is enabled,
// otherwise on the configured TCP addresses.
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if !g.config.Tailscale.Enabled {
		return g.setupTCPListeners()
	}
	tn, err := resolveTailnet(g.config, os.Getenv, os.UserHomeDir)
	if err != nil {
		return nil, nil, err
	}
	return g.setupTailnetListeners(ctx, tn)
}

// Run starts the gateway servers and blocks until ctx is canceled or a
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcLn, httpLn)
}

// Serve runs the servers on the given listeners until ctx is canceled.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	g.hub.StartHeartbeat(g.config.Sessions.HeartbeatInterval)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.watchStore(egCtx, 10*time.Second)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled by the time this runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, fails workflows still running, disconnects
// every session and closes the store. Order matters: the orchestrator must
// publish its final transitions before sessions go away.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "orchestrator close", g.orchestrator.Close(ctx))
	g.hub.Close()
	g.idempotency.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the workflow store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active workflows)", g.orchestrator.Active())
}
