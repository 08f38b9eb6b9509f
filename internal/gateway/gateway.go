// ABOUTME: Gateway wires the link, task orchestrator, sessions and tools behind HTTP and gRPC servers
// ABOUTME: Owns the component lifecycle: connect on Run, ordered teardown on Shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/pilot-gateway/internal/auth"
	"github.com/2389/pilot-gateway/internal/browser"
	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/config"
	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/link"
	"github.com/2389/pilot-gateway/internal/mcp"
	"github.com/2389/pilot-gateway/internal/metrics"
	"github.com/2389/pilot-gateway/internal/session"
	"github.com/2389/pilot-gateway/internal/store"
	"github.com/2389/pilot-gateway/internal/task"
	"github.com/2389/pilot-gateway/internal/tools"
	"github.com/2389/pilot-gateway/internal/vnc"
)

// Upstream is the lifecycle side of the agent link.
type Upstream interface {
	State() link.State
	Connect(ctx context.Context) error
	Close() error
}

// Deps overrides components New would otherwise build from config. Tests
// use it to run the gateway against fakes.
type Deps struct {
	Clock clock.Clock
	// Upstream and Agent are set together.
	Upstream Upstream
	Agent    task.Agent
	Store    store.Store
	Dialer   session.Dialer
	Browser  tools.Browser
	Verifier tools.Verifier
	// Registry receives the gateway's collectors. Defaults to a fresh
	// registry with the Go and process collectors.
	Registry *prometheus.Registry
	Version  string
}

// Gateway is the running bridge.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	version string

	upstream Upstream
	store    store.Store
	sessions *session.Registry
	executor *tools.Executor
	tasks    *task.Orchestrator
	browser  *browser.Client
	mcp      *mcp.Server

	metrics  *metrics.Metrics
	registry *prometheus.Registry
	verifier *auth.JWTVerifier

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	upgrader   websocket.Upgrader

	wsMu      sync.Mutex
	wsClients map[*wsClient]struct{}
	wsClosed  bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds every component. Nothing connects or listens until Run.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if (deps.Upstream == nil) != (deps.Agent == nil) {
		return nil, errors.New("gateway: Upstream and Agent must be set together")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		clock:     clk,
		version:   deps.Version,
		registry:  deps.Registry,
		health:    health.NewServer(),
		wsClients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards are served from other origins; auth is
			// by token, not cookie.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	g.metrics = metrics.MustNew(g.registry)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		g.verifier = v
	}

	g.store = deps.Store
	if g.store == nil {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		g.store = s
	}

	agent := deps.Agent
	g.upstream = deps.Upstream
	if g.upstream == nil {
		l := g.newLink(logger)
		g.upstream = l
		agent = task.LinkAgent(l)
	}
	g.metrics.SetLinkState(g.upstream.State().String())

	dialer := deps.Dialer
	if dialer == nil {
		dialer = &vnc.Dialer{Timeout: cfg.Tools.VNCDialTimeout, Logger: logger}
	}
	g.sessions = session.NewRegistry(session.Config{
		Dialer:    dialer,
		Clock:     clk,
		Logger:    logger,
		QueueSize: cfg.Sessions.QueueSize,
		Observer: func(name string, from, to session.State) {
			g.metrics.SessionTransition(from.String(), to.String())
		},
	})

	backend := deps.Browser
	if backend == nil && cfg.Tools.BrowserURL != "" {
		g.browser = browser.New(cfg.Tools.BrowserURL, browser.Options{
			Version: deps.Version,
			Logger:  logger,
		})
		backend = g.browser
	}

	executor, err := tools.NewExecutor(tools.Config{
		Sessions:    g.sessions,
		Browser:     backend,
		Verifier:    deps.Verifier,
		Clock:       clk,
		Logger:      logger,
		CallTimeout: cfg.Tools.CallTimeout,
		BootWait:    cfg.Tools.BootTimeout,
		Observer: func(tool string, code fault.Code, elapsed time.Duration) {
			g.metrics.ObserveToolCall(tool, string(code), elapsed)
		},
	})
	if err != nil {
		g.closeStore()
		return nil, err
	}
	g.executor = executor

	g.tasks, err = task.New(task.Config{
		Agent:          agent,
		Tools:          executor,
		Store:          g.store,
		Metrics:        g.metrics,
		Clock:          clk,
		Logger:         logger,
		Timeout:        cfg.Tasks.Timeout,
		IdempotencyTTL: cfg.Tasks.IdempotencyTTL,
	})
	if err != nil {
		g.closeStore()
		return nil, err
	}

	g.mcp, err = mcp.NewServer(executor, mcp.Options{
		Version:      deps.Version,
		Logger:       logger,
		Instructions: "Remote-control tools for browsers and virtual machine consoles. Sessions are named; calls on one session run in order.",
	})
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer.RegisterOnShutdown(g.closeClients)
	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(g.grpcServer, g.health)

	return g, nil
}

// newLink builds the upstream link from config with metrics and health hooks.
func (g *Gateway) newLink(logger *slog.Logger) *link.Link {
	cfg := g.config.Agent
	return link.New(link.Config{
		Endpoint:          cfg.URL,
		Clock:             g.clock,
		Logger:            logger,
		ClientName:        cfg.ClientName,
		Token:             cfg.Token,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		BackoffJitter:     cfg.Jitter,
		MaxAttempts:       cfg.MaxAttempts,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveTimeout:  cfg.KeepaliveTimeout,
		OnStateChange:     g.linkStateChanged,
		OnRetry: func(attempt int, delay time.Duration) {
			g.metrics.ObserveReconnect(delay)
		},
	})
}

// linkStateChanged mirrors the link state into metrics and gRPC health.
func (g *Gateway) linkStateChanged(from, to link.State) {
	g.metrics.SetLinkState(to.String())
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if to == link.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
}

// Tasks returns the task orchestrator.
func (g *Gateway) Tasks() *task.Orchestrator { return g.tasks }

// Handler returns the HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Run connects the upstream link, serves HTTP (and gRPC health when
// configured) and blocks until ctx ends or a server fails. It shuts
// everything down before returning.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	var grpcLn net.Listener
	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return g.Serve(ctx, httpLn, grpcLn)
}

// Serve is Run on listeners the caller opened. grpcLn may be nil.
func (g *Gateway) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g.logger.Info("starting gateway", "http_addr", httpLn.Addr().String(), "agent_url", g.config.Agent.URL)

	// A failed first connect keeps retrying in the background; readiness
	// reports it until then.
	if err := g.upstream.Connect(ctx); err != nil {
		g.logger.Warn("initial agent connection failed", "error", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		// The original context is already done.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Shutdown stops accepting clients, ends live tasks, closes sessions and
// the link, and flushes the store. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	// Tasks first so their terminal events reach the store, then the
	// things they were using.
	errs = appendCloseError(errs, "task shutdown", g.tasks.Close(ctx))
	errs = appendCloseError(errs, "session shutdown", g.sessions.Close(ctx))
	if g.browser != nil {
		errs = appendCloseError(errs, "browser close", g.browser.Close())
	}
	if err := g.upstream.Close(); err != nil && !errors.Is(err, link.ErrClosed) {
		errs = append(errs, fmt.Errorf("link close: %w", err))
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// closeStore releases the store when New fails after opening it.
func (g *Gateway) closeStore() {
	if err := g.store.Close(); err != nil {
		g.logger.Warn("closing store", "error", err)
	}
}
