// Command pipeline runs the Wikimedia recent-changes ingestion
// pipeline.
//
// It streams events from the recentchange SSE endpoint, updates
// real-time rolling-window counters in Redis, persists raw events to
// PostgreSQL, and prunes durable rows past the retention horizon. The
// run is time-bounded; an end-of-run metrics summary is always
// attempted, even after a fatal error.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/eswenke/wikipulse/internal/config"
	"github.com/eswenke/wikipulse/internal/ingest"
	"github.com/eswenke/wikipulse/internal/metrics"
	"github.com/eswenke/wikipulse/internal/platform/counters"
	"github.com/eswenke/wikipulse/internal/platform/storage"
	"github.com/eswenke/wikipulse/internal/retention"
)

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", ""), "Path to YAML config file")
	runDuration := flag.Duration("run-duration", 0, "Total run duration (overrides config)")
	retentionHours := flag.Int("retention-hours", 0, "Durable row retention horizon in hours (overrides config)")
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("run_id", uuid.NewString())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *runDuration > 0 {
		cfg.Run.Duration = *runDuration
	}
	if *retentionHours > 0 {
		cfg.Run.RetentionHours = *retentionHours
	}

	logger.Info("starting pipeline",
		"stream_url", cfg.Stream.URL,
		"run_duration", cfg.Run.Duration,
		"retention_hours", cfg.Run.RetentionHours,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	counterStore, err := counters.New(counters.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		MinuteTTL: cfg.Redis.MinuteTTL,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		return err
	}
	defer counterStore.Close()

	db, err := storage.New(ctx, cfg.Postgres.Storage())
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		return err
	}
	defer db.Close()

	repo := storage.NewRawEventRepository(db)

	// One-shot prune at startup keeps the table bounded for local
	// runs; a failure is reported but never aborts ingestion.
	pruner := retention.New(repo, time.Duration(cfg.Run.RetentionHours)*time.Hour, logger)
	if _, err := pruner.Run(ctx); err != nil {
		logger.Error("startup prune failed", "error", err)
	}

	aggregator := metrics.NewAggregator(counterStore)
	ingestor := ingest.New(ingest.Config{
		StreamURL:   cfg.Stream.URL,
		UserAgent:   cfg.Stream.UserAgent,
		RunDuration: cfg.Run.Duration,
	}, aggregator, repo, logger)

	runErr := ingestor.Run(ctx)
	if runErr != nil {
		logger.Error("ingestion ended with fatal error", "error", runErr)
	}

	// Summary and resource release happen even after a fatal error.
	// The run context may already be done, so the summary gets its own
	// deadline.
	summaryCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	printSummary(summaryCtx, counterStore, repo, logger)

	return runErr
}

// printSummary logs the end-of-run metrics: durable row count, today's
// totals, the 1-hour and 5-minute rolling windows, top editors, and
// the spike score.
func printSummary(ctx context.Context, store *counters.Store, repo *storage.RawEventRepository, logger *slog.Logger) {
	now := time.Now()
	bucket := metrics.MinuteBucket(now)

	if count, err := repo.Count(ctx); err != nil {
		logger.Error("summary: count raw events failed", "error", err)
	} else {
		logger.Info("summary: durable store", "raw_events", count)
	}

	if today, err := store.DayTotals(ctx, metrics.DayKey(now)); err != nil {
		logger.Error("summary: day totals failed", "error", err)
	} else {
		logger.Info("summary: today", "totals", today)
	}

	oneHour, err := store.WindowTotals(ctx, bucket, 60)
	if err != nil {
		logger.Error("summary: 1h window failed", "error", err)
		return
	}
	fiveMin, err := store.WindowTotals(ctx, bucket, 5)
	if err != nil {
		logger.Error("summary: 5m window failed", "error", err)
		return
	}

	logger.Info("summary: last 1 hour", "totals", oneHour)
	logger.Info("summary: last 5 minutes", "totals", fiveMin)
	logger.Info("summary: spike score",
		"spike_score_5m_vs_1h_baseline", counters.SpikeScore(fiveMin["events:total"], oneHour["events:total"]),
	)

	if top, err := store.TopUsers(ctx, bucket, 5, 10); err != nil {
		logger.Error("summary: top users failed", "error", err)
	} else {
		logger.Info("summary: top users (last 5 minutes)", "users", top)
	}
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
