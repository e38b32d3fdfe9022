package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration for the event pipeline.
type Config struct {
	Addr     string
	LogLevel slog.Level

	// PostgresURL selects the durable stores; empty falls back to the
	// in-memory implementations (dev / unit-test mode).
	PostgresURL string

	// RedisURL selects the redis snapshot store; empty falls back to memory.
	RedisURL string

	// KafkaBrokers enables the analytics relay when non-empty.
	KafkaBrokers []string
	KafkaTopic   string

	// HandlerTimeout bounds a single handler execution.
	HandlerTimeout time.Duration

	// MaxRetries is the per-(event, handler) retry ceiling; past it the pair
	// is permanently failed and surfaced for manual remediation.
	MaxRetries int

	// SweepInterval drives the recovery sweeper; SweepBatchSize caps how many
	// events one sweep re-dispatches.
	SweepInterval  time.Duration
	SweepBatchSize int

	// StaleProcessingAge is how old a `processing` claim must be before the
	// sweeper reclaims it.
	StaleProcessingAge time.Duration

	// HighUtilizationThreshold is the deployed/committed ratio that triggers
	// a fund utilization warning.
	HighUtilizationThreshold float64
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:                     envOr("LENDING_OS_ADDR", ":8080"),
		LogLevel:                 parseLevel(os.Getenv("LENDING_OS_LOG_LEVEL")),
		PostgresURL:              os.Getenv("LENDING_OS_POSTGRES_URL"),
		RedisURL:                 os.Getenv("LENDING_OS_REDIS_URL"),
		KafkaTopic:               envOr("LENDING_OS_KAFKA_TOPIC", "lending.domain-events"),
		HandlerTimeout:           envDuration("LENDING_OS_HANDLER_TIMEOUT", 30*time.Second),
		MaxRetries:               envInt("LENDING_OS_MAX_RETRIES", 5),
		SweepInterval:            envDuration("LENDING_OS_SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:           envInt("LENDING_OS_SWEEP_BATCH_SIZE", 100),
		StaleProcessingAge:       envDuration("LENDING_OS_STALE_PROCESSING_AGE", 5*time.Minute),
		HighUtilizationThreshold: envFloat("LENDING_OS_HIGH_UTILIZATION_THRESHOLD", 0.95),
	}
	if brokers := os.Getenv("LENDING_OS_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
