/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the HOA billing engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml, HOA_* environment, flags)
  2. Build the zap logger
  3. Open the SQLite document store
  4. Build the bill period cache (memory, redis or none)
  5. Wire audit sinks, engine services and the HTTP router
  6. Start the penalty scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Explicit config file (default: ./config.yaml if present)
  -port    HTTP server port, overrides app.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the penalty scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (http.shutdown_timeout)
  4. Close cache and database connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/hoa.db"

  # Run with Redis cache
  HOA_CACHE_BACKEND=redis HOA_CACHE_REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: configuration keys and defaults
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/api"
	"github.com/warp/hoa-billing/audit"
	"github.com/warp/hoa-billing/cache"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/config"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/logger"
	"github.com/warp/hoa-billing/metrics"
	"github.com/warp/hoa-billing/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	metrics.Init()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer store.Close()

	periodCache, closeCache, err := cache.New(cfg.Cache, log)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer func() {
		if err := closeCache(); err != nil {
			log.Warn("cache close failed", zap.Error(err))
		}
	}()

	clk, err := clock.NewSystem(cfg.Engine.DefaultTimezone)
	if err != nil {
		return fmt.Errorf("init clock: %w", err)
	}

	// Initialize handler
	handler := api.NewHandler(api.Deps{
		Store:           store,
		Cache:           periodCache,
		Clock:           clk,
		Audit:           audit.Multi{audit.NewDocstoreSink(store), audit.NewLogSink(log.Named("audit"))},
		Logger:          log,
		Retries:         cfg.Engine.ConflictRetries,
		DefaultTimezone: cfg.Engine.DefaultTimezone,
		RebuildBalances: cfg.Engine.RebuildBalances,
	})

	scheduler := api.NewPenaltyScheduler(store, handler.Billing, clk)
	scheduler.Logger = log.Named("scheduler")
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	for _, c := range cfg.Scheduler.Clients {
		scheduler.Clients = append(scheduler.Clients, engine.ClientID(c))
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		CORSAllowOrigins: cfg.HTTP.CORSAllowOrigins,
		Logger:           log.Named("http"),
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.App.Port),
			zap.String("database", cfg.Database.Path),
			zap.String("cache", cfg.Cache.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
