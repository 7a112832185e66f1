/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit ledger server. Handles configuration,
  dependency injection, the audit scheduler, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load and validate configuration
  2. Build the zap logger
  3. Open the store (SQLite with migrations, or in-memory)
  4. Wire mutator, recorder, tracker, billing and auditor
  5. Start the audit scheduler (Redis sweep lock when configured)
  6. Configure HTTP router and serve

COMMAND-LINE FLAGS:
  -config  Optional YAML config file
  -port    Override server.port
  -db      Override database.path; "memory" selects the in-memory store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close Redis and the database
  5. Exit

ENVIRONMENT:
  Every config key can be set as CREDITS_<SECTION>_<KEY>, for example
  CREDITS_AUTH_SERVICE_TOKEN or CREDITS_JOBS_CALLBACK_SECRET. A .env file
  in the working directory is loaded first when present.

EXAMPLES:
  # Run with file database
  ./server -db="./data/credits.db"

  # Run with in-memory store
  ./server -db=memory

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
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
	"time"

	"github.com/mealplan/credit-engine/api"
	"github.com/mealplan/credit-engine/audit"
	"github.com/mealplan/credit-engine/billing"
	"github.com/mealplan/credit-engine/config"
	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/credits/store"
	"github.com/mealplan/credit-engine/events"
	"github.com/mealplan/credit-engine/jobs"
	"github.com/mealplan/credit-engine/store/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", `SQLite database path, or "memory" (overrides config)`)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	switch *dbPath {
	case "":
	case "memory", ":memory:":
		cfg.Database.Driver = "memory"
	default:
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openStore returns the configured store and its closer.
func openStore(cfg *config.Config) (credits.Store, func() error, error) {
	if cfg.Database.Driver == "memory" {
		return store.NewMemory(), func() error { return nil }, nil
	}
	s, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Initialize store
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver), zap.String("path", cfg.Database.Path))

	// Services
	mutator := credits.NewMutator(st)
	mutator.Logger = logger.Named("mutator")

	rules := events.DefaultRules()
	rules.MealCooldown = cfg.Events.MealCooldown
	rules.SharesPerDay = cfg.Events.SharePerDay
	recorder := events.NewRecorder(st, mutator, rules)
	recorder.Logger = logger.Named("events")

	refunds, err := jobs.ParseRefundPolicy(cfg.Jobs.RefundPolicy, cfg.Jobs.RefundRatio)
	if err != nil {
		return err
	}
	tracker := jobs.NewTracker(st, mutator, []byte(cfg.Jobs.CallbackSecret))
	tracker.Refunds = refunds
	tracker.Logger = logger.Named("jobs")

	var purchases *billing.Service
	if cfg.Billing.Enabled {
		purchases = billing.NewService(st, mutator, []byte(cfg.Billing.WebhookSecret))
		purchases.Logger = logger.Named("billing")
	}

	auditor := audit.NewAuditor(st)
	auditor.Logger = logger.Named("audit")

	// Audit scheduler
	var (
		scheduler   *audit.Scheduler
		redisClient *redis.Client
	)
	if cfg.Audit.Enabled {
		scheduler = audit.NewScheduler(auditor, logger)
		scheduler.Interval = cfg.Audit.Interval
		if cfg.Redis.Addr != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			redisClient, err = audit.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			cancel()
			if err != nil {
				return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
			}
			defer redisClient.Close()
			scheduler.Locker = audit.NewRedisLocker(redisClient, "")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Router
	handler := &api.Handler{
		Mutator:   mutator,
		Recorder:  recorder,
		Tracker:   tracker,
		Billing:   purchases,
		Auditor:   auditor,
		Scheduler: scheduler,
		Logger:    logger.Named("http"),
	}
	router := api.NewRouter(handler, api.RouterOptions{
		Tokens:      api.Tokens{Service: cfg.Auth.ServiceToken, Admin: cfg.Auth.AdminToken},
		CORSOrigins: cfg.Server.CORSOrigins,
		DevRoutes:   cfg.IsDev(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("env", cfg.App.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
