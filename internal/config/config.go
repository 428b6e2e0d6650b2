// Package config loads pipeline configuration from defaults, an
// optional YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eswenke/wikipulse/internal/platform/storage"
)

// Config is the full pipeline configuration.
type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	Run      RunConfig      `yaml:"run"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// StreamConfig holds the inbound transport settings.
type StreamConfig struct {
	// URL of the recentchange SSE endpoint.
	URL string `yaml:"url"`

	// UserAgent sent on every request, per the Wikimedia robot policy.
	UserAgent string `yaml:"user_agent"`
}

// RunConfig holds the externally supplied run parameters.
type RunConfig struct {
	// Duration bounds the whole ingestion run.
	Duration time.Duration `yaml:"duration"`

	// RetentionHours is the maximum age of a durable row.
	RetentionHours int `yaml:"retention_hours"`
}

// RedisConfig holds counter-store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// MinuteTTL bounds minute-scoped key lifetime; must cover the
	// longest rolling window queried.
	MinuteTTL time.Duration `yaml:"minute_ttl"`
}

// PostgresConfig holds durable-store settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Storage maps the Postgres section onto the storage adapter config.
func (c PostgresConfig) Storage() storage.Config {
	return storage.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		SSLMode:  c.SSLMode,
	}
}

// Load builds the configuration. A missing configPath means
// defaults + environment only.
func Load(configPath string) (*Config, error) {
	pg := storage.DefaultConfig()

	cfg := &Config{
		Stream: StreamConfig{
			URL:       "https://stream.wikimedia.org/v2/stream/recentchange",
			UserAgent: "WikipediaEditPipeline/1.0 (https://github.com/eswenke)",
		},
		Run: RunConfig{
			Duration:       2 * time.Hour,
			RetentionHours: 8,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			MinuteTTL: 2 * time.Hour,
		},
		Postgres: PostgresConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			User:     pg.User,
			Password: pg.Password,
			Database: pg.Database,
			SSLMode:  pg.SSLMode,
		},
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Stream.URL, "STREAM_URL")
	setString(&cfg.Stream.UserAgent, "STREAM_USER_AGENT")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.Postgres.Host, "PSQL_HOST")
	setInt(&cfg.Postgres.Port, "PSQL_PORT")
	setString(&cfg.Postgres.User, "PSQL_USER")
	setString(&cfg.Postgres.Password, "PSQL_PASSWORD")
	setString(&cfg.Postgres.Database, "PSQL_DATABASE")
	setString(&cfg.Postgres.SSLMode, "PSQL_SSLMODE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
