/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the revenue engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (environment, then flags)
  2. Build the root zerolog logger
  3. Open the SQLite or PostgreSQL store
  4. Load the commission policy and seed its courses
  5. Build notifiers (log, plus Redis when REDIS_ADDR is set)
  6. Create API handler, router and reconciliation scheduler
  7. Start server with graceful shutdown

FLAGS (override environment):
  -a        RUN_ADDRESS             listen address (default :8080)
  -driver   DATABASE_DRIVER         sqlite | postgres (default sqlite)
  -d        DATABASE_URI            SQLite path or postgres:// URI
  -policy   COMMISSION_POLICY_FILE  policy JSON; built-in default if empty

  Also: REDIS_ADDR, REDIS_CHANNEL, LOG_LEVEL, LOG_FORMAT, ALLOWED_ORIGINS,
  SHUTDOWN_TIMEOUT, RECONCILE_INTERVAL.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Close Redis and database connections
  4. Exit

EXAMPLES:
  ./server -d=":memory:"
  DATABASE_DRIVER=postgres DATABASE_URI=postgres://localhost:5432/revenue ./server
  ./server -policy=./commission.json -a=:3000

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - factory/policy.go: Policy document format
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

	"github.com/rs/zerolog"

	"github.com/warp/revenue-engine/api"
	"github.com/warp/revenue-engine/config"
	"github.com/warp/revenue-engine/factory"
	"github.com/warp/revenue-engine/notify"
	"github.com/warp/revenue-engine/revenue"
	"github.com/warp/revenue-engine/store/postgres"
	"github.com/warp/revenue-engine/store/sqlite"
)

// backend is what both SQL stores provide.
type backend interface {
	revenue.Store
	api.Catalog
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	var l zerolog.Logger
	if cfg.LogFormat == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stdout)
	}
	return l.Level(level).With().Timestamp().Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Commission policy
	pf := factory.NewPolicyFactory()
	var policy *factory.Config
	if cfg.PolicyFile != "" {
		policy, err = pf.LoadFile(cfg.PolicyFile)
	} else {
		policy, err = pf.ParsePolicy(factory.DefaultPolicyJSON())
	}
	if err != nil {
		return fmt.Errorf("load commission policy: %w", err)
	}
	for _, c := range policy.Courses {
		if err := store.SaveCourse(ctx, c); err != nil {
			return fmt.Errorf("seed course %s: %w", c.ID, err)
		}
	}
	logger.Info().
		Str("driver", cfg.DatabaseDriver).
		Int("courses", len(policy.Courses)).
		Msg("policy loaded")

	// Notifications
	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.RedisAddr != "" {
		client, err := notify.Connect(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup")
		}
		notifiers = append(notifiers, notify.NewRedis(client, cfg.RedisChannel))
	}

	handler := api.NewHandler(store, store, policy, logger, revenue.WithNotifier(notifiers))
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	scheduler := api.NewReconciliationScheduler(handler, cfg.ReconcileInterval, logger)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.RunAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.RunAddress).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURI)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.DatabaseURI)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite: %w", err)
		}
		return s, nil
	}
}
