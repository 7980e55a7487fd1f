/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the branch ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Build the logger
  3. Open the store (SQLite or Postgres)
  4. Pick the branch locker (Redis when REDIS_ADDR is set, in-process otherwise)
  5. Build metrics, ledger engine and report service
  6. Configure HTTP router and start the rebuild scheduler
  7. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the rebuild scheduler (an in-flight run is cancelled)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections
  5. Exit

EXAMPLES:
  # Run with a file database
  SQLITE_PATH=./data/ledger.db ./server

  # Run against Postgres with distributed locks, hourly drift correction
  DB_DRIVER=postgres PG_DSN=postgres://... REDIS_ADDR=redis:6379 \
    LEDGER_REBUILD_INTERVAL=1h LEDGER_TIMEZONE=Asia/Riyadh ./server

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - ledger/engine.go: Recalculation engine
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/branch-ledger/api"
	"github.com/warp/branch-ledger/config"
	"github.com/warp/branch-ledger/ledger"
	"github.com/warp/branch-ledger/locker"
	"github.com/warp/branch-ledger/logging"
	"github.com/warp/branch-ledger/metrics"
	"github.com/warp/branch-ledger/reports"
	"github.com/warp/branch-ledger/store/postgres"
	"github.com/warp/branch-ledger/store/sqlite"
)

// backend is what both bundled stores provide.
type backend interface {
	ledger.Store
	api.BranchRegistry
	api.Pinger
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("server exited with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Infow("store ready", "driver", cfg.DBDriver)

	// Branch locks
	branchLocks, closeLocks, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open locker: %w", err)
	}
	defer closeLocks()

	m := metrics.New()
	engine := ledger.NewEngine(store, store, store,
		ledger.WithLocker(branchLocks),
		ledger.WithLogger(logger.WithComponent("ledger").Zap()),
		ledger.WithRecorder(m),
		ledger.WithLocation(cfg.Location()),
		ledger.WithRebuildConcurrency(cfg.RebuildConcurrency),
	)
	svc := reports.NewService(store, store, engine,
		reports.WithLogger(logger.WithComponent("reports").Zap()),
	)

	handler := api.NewHandler(engine, svc, store)
	handler.Health = store
	handler.AllowReopen = cfg.AllowReopen
	handler.EnableScenarios = cfg.DemoScenarios

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Production:         cfg.IsProduction(),
		Metrics:            m,
		Logger:             logger,
	})

	scheduler := api.NewRebuildScheduler(engine, cfg.RebuildInterval, logger)
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("server starting",
			"addr", cfg.AppAddr,
			"env", cfg.AppEnv,
			"timezone", cfg.Location().String(),
			"rebuild_interval", cfg.RebuildInterval,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Infow("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.New(ctx, cfg.PGDSN)
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}

// openLocker returns the Redis locker when REDIS_ADDR is set and the
// in-process keyed mutex otherwise. The returned func releases resources.
func openLocker(ctx context.Context, cfg *config.Config, logger *logging.Logger) (ledger.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Infow("using in-process branch locks", "timeout", cfg.LockTimeout)
		return ledger.NewKeyedMutex(cfg.LockTimeout), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	logger.Infow("using redis branch locks", "addr", cfg.RedisAddr, "timeout", cfg.LockTimeout, "ttl", cfg.LockTTL)
	l := locker.NewRedis(rdb,
		locker.WithTimeout(cfg.LockTimeout),
		locker.WithTTL(cfg.LockTTL),
		locker.WithLogger(logger.WithComponent("locker").Zap()),
	)
	return l, func() { rdb.Close() }, nil
}
