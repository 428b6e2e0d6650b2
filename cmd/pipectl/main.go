// Command pipectl provides the operational surface for local
// development: creating the durable schema and flushing both stores.
//
// Usage:
//
//	pipectl setup   # run database migrations (idempotent)
//	pipectl flush   # clear Redis counters and the raw_events table
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/eswenke/wikipulse/internal/config"
	"github.com/eswenke/wikipulse/internal/platform/counters"
	"github.com/eswenke/wikipulse/internal/platform/storage"
)

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", ""), "Path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pipectl [setup|flush]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "setup":
		err = setup(ctx, cfg, logger)
	case "flush":
		err = flush(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: pipectl [setup|flush]\n", flag.Arg(0))
		os.Exit(2)
	}

	if err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.New(ctx, cfg.Postgres.Storage())
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("migrations failed", "error", err)
		return err
	}

	logger.Info("database schema ready")
	return nil
}

func flush(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	counterStore, err := counters.New(counters.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		return err
	}
	defer counterStore.Close()

	if err := counterStore.Flush(ctx); err != nil {
		logger.Error("redis flush failed", "error", err)
		return err
	}
	logger.Info("redis flushed")

	db, err := storage.New(ctx, cfg.Postgres.Storage())
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		return err
	}
	defer db.Close()

	if err := storage.NewRawEventRepository(db).Truncate(ctx); err != nil {
		logger.Error("postgres truncate failed", "error", err)
		return err
	}
	logger.Info("raw events truncated")

	return nil
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
