package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string // empty runs on the in-memory store
	RedisURL    string // empty rate-limits in process
	LogLevel    slog.Level
	UserAgent   string

	NumWorkers int
	QueueSize  int

	SweepInterval    time.Duration
	SweepConcurrency int
	SweepBatchSize   int
	ClaimLease       time.Duration
	CleanupInterval  time.Duration
	LogRetentionDays int

	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string
}

// Load reads configuration from environment variables, after loading a
// .env file from the working directory if there is one. Variables already
// set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		LogLevel:         level,
		UserAgent:        getEnv("USER_AGENT", "WebhookDispatcher-Webhook/1.0"),
		NumWorkers:       getEnvInt("NUM_WORKERS", 50),
		QueueSize:        getEnvInt("QUEUE_SIZE", 1000),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepConcurrency: getEnvInt("SWEEP_CONCURRENCY", 10),
		SweepBatchSize:   getEnvInt("SWEEP_BATCH_SIZE", 100),
		ClaimLease:       getEnvDuration("CLAIM_LEASE", 5*time.Minute),
		CleanupInterval:  getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		LogRetentionDays: getEnvInt("LOG_RETENTION_DAYS", 30),
		MigrationsDir:    getEnv("MIGRATIONS_DIR", ""),
	}

	if cfg.NumWorkers < 1 {
		return nil, fmt.Errorf("NUM_WORKERS must be at least 1, got %d", cfg.NumWorkers)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("QUEUE_SIZE must not be negative, got %d", cfg.QueueSize)
	}
	if cfg.LogRetentionDays < 1 {
		return nil, fmt.Errorf("LOG_RETENTION_DAYS must be at least 1, got %d", cfg.LogRetentionDays)
	}
	if cfg.SweepInterval <= 0 || cfg.CleanupInterval <= 0 || cfg.ClaimLease <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL, CLEANUP_INTERVAL and CLAIM_LEASE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("30s") or bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}
