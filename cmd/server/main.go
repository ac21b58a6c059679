/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the progression engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load PROGRESSION_* configuration
  2. Open the database (SQLite or PostgreSQL) and migrate the schema
  3. Seed the badge catalog (built-in or BADGE_CATALOG YAML)
  4. Build notification sinks (log, plus Kafka when brokers are set)
  5. Create the goals and rewards services
  6. Start the cron scheduler (goal expiry, limiter sweep)
  7. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     dotenv file loaded before the environment (default: .env)
  -port    Override PROGRESSION_HTTP_ADDR with ":<port>"
  -db      Override PROGRESSION_DB_DSN
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for running jobs
  4. Close the Kafka writer and the database

EXAMPLES:
  # Run with file database
  ./server -db="./data/progression.db"

  # Run against PostgreSQL, publishing to Kafka
  PROGRESSION_DB_DRIVER=postgres \
  PROGRESSION_DB_DSN="postgres://localhost/progression?sslmode=disable" \
  PROGRESSION_KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Environment keys and defaults
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pointmotion/progression-engine/api"
	"github.com/pointmotion/progression-engine/catalog"
	"github.com/pointmotion/progression-engine/config"
	"github.com/pointmotion/progression-engine/goals"
	"github.com/pointmotion/progression-engine/logging"
	"github.com/pointmotion/progression-engine/metrics"
	"github.com/pointmotion/progression-engine/notify"
	"github.com/pointmotion/progression-engine/progression"
	"github.com/pointmotion/progression-engine/rewards"
	"github.com/pointmotion/progression-engine/stats"
	"github.com/pointmotion/progression-engine/store/sqlstore"
)

// limiterIdle is how long a patient's rate limit bucket survives unused.
const limiterIdle = 10 * time.Minute

func main() {
	// Flags
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment")
	port := flag.Int("port", 0, "HTTP server port (overrides PROGRESSION_HTTP_ADDR)")
	dsn := flag.String("db", "", "database DSN (overrides PROGRESSION_DB_DSN)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}
	if *port != 0 {
		cfg.HTTPAddr = fmt.Sprintf(":%d", *port)
	}
	if *dsn != "" {
		cfg.DBDSN = *dsn
	}

	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx := context.Background()

	// Initialize store
	if cfg.DBDriver == "sqlite3" && cfg.DBDSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBDSN), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Seed the badge catalog
	registry := goals.DefaultRegistry()
	badges, err := loadCatalog(cfg.BadgeCatalog, registry)
	if err != nil {
		return err
	}
	if err := catalog.Seed(ctx, store, badges); err != nil {
		return err
	}
	log.WithField("badges", len(badges)).Info("badge catalog seeded")

	// Notifications
	sink := notify.Multi{notify.NewLogSink(log)}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		sink = append(sink, kafka)
		log.WithFields(logrus.Fields{
			"brokers": strings.Join(cfg.KafkaBrokers, ","),
			"topic":   cfg.KafkaTopic,
		}).Info("publishing notifications to kafka")
	}

	// Services
	rec := metrics.New()

	goalSvc := goals.NewService(goals.Stores{
		Catalog:      store,
		Repositories: store.Repositories(),
		Tx:           store,
	}, sink, log)
	goalSvc.Registry = registry
	goalSvc.Metrics = rec
	goalSvc.GoalTTL = cfg.GoalTTL
	if cfg.LegacyThresholdOverwrite {
		goalSvc.Threshold = goals.ThresholdOverwrite
		log.Warn("legacy threshold overwrite enabled")
	}

	rewardSvc := rewards.NewService(store, stats.NewProvider(store), sink, log)
	rewardSvc.Metrics = rec

	handler := api.NewHandler(goalSvc, rewardSvc, store, store, log)
	handler.DB = store

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)

	// Background jobs
	scheduler := api.NewScheduler(log)
	sweeper := &api.ExpirySweeper{Goals: store, Metrics: rec, Log: log}
	if err := scheduler.Add(cfg.ExpirySchedule, "expire-goals", sweeper.Run); err != nil {
		return err
	}
	if limiter != nil {
		if err := scheduler.Add("@every 5m", "sweep-rate-limiters", api.LimiterSweep(limiter, limiterIdle)); err != nil {
			return err
		}
	}
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			CORSOrigins: cfg.CORSOrigins,
			Metrics:     rec,
			RateLimit:   limiter,
			Log:         log,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "driver": cfg.DBDriver}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop(shutdownCtx)

	log.Info("server stopped")
	return nil
}

func loadCatalog(path string, reg *goals.Registry) ([]progression.Badge, error) {
	if path == "" {
		return catalog.Default(reg)
	}
	return catalog.Load(path, reg)
}
