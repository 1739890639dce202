// Package app wires the maestro services together: store, event bus,
// pool, executor, router, recovery, lifecycle, telemetry, and the HTTP
// server, in dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/config"
	"github.com/nevindra/maestro/internal/server"
	"github.com/nevindra/maestro/observer"
	"github.com/nevindra/maestro/store/postgres"
	"github.com/nevindra/maestro/store/sqlite"
)

// shutdownGrace is how long a signalled server has to finish draining
// before the process gives up.
const shutdownGrace = 45 * time.Second

// App is the assembled maestro server.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store     maestro.Store
	bus       *maestro.Bus
	pool      *maestro.Pool
	executor  *maestro.Executor
	router    *maestro.Router
	recovery  *maestro.Recovery
	lifecycle *maestro.Lifecycle
	registry  *config.Registry

	httpServer        *http.Server
	telemetryShutdown func(context.Context) error
}

// New builds the full service graph from configuration. Nothing starts
// running until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	registry, err := config.LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, store: store, registry: registry}

	a.bus = maestro.NewBus(maestro.WithBusLogger(logger))
	a.pool = maestro.NewPool(cfg.Pool.MaxConcurrent, maestro.WithPoolLogger(logger))
	a.executor = maestro.NewExecutor(store, a.bus, a.pool, registry.Resolve,
		maestro.WithExecutorLogger(logger),
		maestro.WithSandboxRoot(cfg.SandboxRoot()),
		maestro.WithAttachmentDir(cfg.AttachmentDir()),
	)
	a.lifecycle = maestro.NewLifecycle(a.executor, store, maestro.WithLifecycleLogger(logger))

	routerOpts := []maestro.RouterOption{
		maestro.WithRouterLogger(logger),
		maestro.WithAcceptingChecker(a.lifecycle),
	}

	// Telemetry is optional; an empty endpoint leaves a no-op tracer and
	// no metric export.
	inst, telemetryShutdown, err := observer.Init(ctx, observer.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "maestro",
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	a.telemetryShutdown = telemetryShutdown
	if inst != nil {
		routerOpts = append(routerOpts, maestro.WithRouterTracer(observer.NewTracer()))
		a.bus.Subscribe(observer.Watch(inst))
		if err := inst.RegisterPoolGauge(a.pool.Stats); err != nil {
			logger.Warn("app: pool gauge registration failed", "error", err)
		}
	}

	a.router = maestro.NewRouter(store, a.executor, a.bus, routerOpts...)
	a.recovery = maestro.NewRecovery(store, a.router, a.bus, maestro.WithRecoveryLogger(logger))

	srv := server.New(server.Deps{
		Store:         store,
		Router:        a.router,
		Executor:      a.executor,
		Pool:          a.pool,
		Bus:           a.bus,
		Recovery:      a.recovery,
		Registry:      registry,
		AttachmentDir: cfg.AttachmentDir(),
		Logger:        logger,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// openStore picks the persistence driver from config.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (maestro.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		return sqlite.New(cfg.DatabasePath(), sqlite.WithLogger(logger)), nil
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store driver postgres requires a dsn")
		}
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return postgres.New(pool, postgres.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Run starts the server: crash recovery first, then the background
// sweeper, then HTTP. It blocks until ctx is cancelled or the listener
// fails, and finishes with a graceful shutdown either way.
func (a *App) Run(ctx context.Context) error {
	swept, err := a.recovery.SweepOrphans(ctx)
	if err != nil {
		return fmt.Errorf("orphan sweep: %w", err)
	}
	resumed, err := a.recovery.RecoverAll(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	a.logger.Info("app: recovery done", "orphans_swept", swept, "routings_resumed", resumed)

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go a.recovery.RunSweeper(sweeperCtx, a.cfg.Recovery.SweepInterval.Value())

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("app: listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("app: shutdown signal received")
	case err := <-serveErr:
		a.shutdown()
		return fmt.Errorf("http server: %w", err)
	}

	return a.shutdown()
}

// shutdown stops HTTP intake, drains the engine, and closes telemetry.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop accepting HTTP first so no new triggers arrive, then drain
	// the engine; the lifecycle closes the store last.
	httpErr := a.httpServer.Shutdown(ctx)
	drainErr := a.lifecycle.Shutdown(ctx)

	var telemetryErr error
	if a.telemetryShutdown != nil {
		telemetryErr = a.telemetryShutdown(ctx)
	}
	return errors.Join(httpErr, drainErr, telemetryErr)
}

// RunWithSignal runs the app until SIGINT or SIGTERM.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
