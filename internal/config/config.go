// Package config provides application configuration management.
// It loads settings from environment variables (with optional .env file)
// and provides defaults for the scraper, the parallel harvest and the
// server surface.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Bounds for the parallel harvest (see also Config.Validate).
const (
	MinWorkers = 1
	MaxWorkers = 32
)

// DefaultBaseURL is the course catalog root.
const DefaultBaseURL = "https://evlvz.hrz.tu-freiberg.de/~vover/"

// DefaultUserAgent mimics a modern Chromium build.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds all application configuration
type Config struct {
	// Server Configuration
	Port            string
	LogLevel        string
	ShutdownTimeout time.Duration

	// Data Configuration
	DataDir string // Directory for the SQLite database

	// Scraper Configuration
	BaseURL         string
	UserAgent       string // empty = random per session
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	RespectfulDelay time.Duration // per-request delay inside a session

	// Parallel harvest
	ParallelEnabled        bool
	ParallelMaxWorkers     int
	ParallelSessionPool    int
	ParallelInterTaskDelay time.Duration

	// Encoding
	FixLegacyEncoding bool // enable the mixed UTF-8/Latin-1 repair heuristic

	// Metrics Authentication
	MetricsUsername string
	MetricsPassword string // empty = no auth

	// Error tracking / log shipping (optional)
	SentryDSN        string
	Environment      string
	BetterstackToken string

	// Snapshot backup to S3-compatible storage (optional)
	Snapshot SnapshotConfig
}

// SnapshotConfig holds object storage settings for database snapshots.
// All fields must be set for snapshots to be enabled.
type SnapshotConfig struct {
	Endpoint    string
	AccessKeyID string
	SecretKey   string
	Bucket      string
	Key         string
}

// Enabled reports whether snapshot backup is fully configured.
func (s SnapshotConfig) Enabled() bool {
	return s.Endpoint != "" && s.AccessKeyID != "" && s.SecretKey != "" && s.Bucket != ""
}

// Load reads configuration from environment variables.
// It attempts to load a .env file first, then reads from env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		DataDir: getEnv("DATA_DIR", "./data"),

		BaseURL:         getEnv("BASE_URL", DefaultBaseURL),
		UserAgent:       getEnv("USER_AGENT", DefaultUserAgent),
		Timeout:         getDurationEnv("SCRAPER_TIMEOUT", 30*time.Second),
		MaxRetries:      getIntEnv("SCRAPER_MAX_RETRIES", 3),
		RetryDelay:      getDurationEnv("RETRY_DELAY", 2*time.Second),
		RespectfulDelay: getDurationEnv("RESPECTFUL_DELAY", 0),

		ParallelEnabled:        getBoolEnv("PARALLEL_ENABLED", true),
		ParallelMaxWorkers:     getIntEnv("PARALLEL_MAX_WORKERS", 4),
		ParallelSessionPool:    getIntEnv("PARALLEL_SESSION_POOL_SIZE", 4),
		ParallelInterTaskDelay: getDurationEnv("PARALLEL_INTER_TASK_DELAY", 0),

		FixLegacyEncoding: getBoolEnv("ENCODING_FIX_LEGACY", true),

		MetricsUsername: getEnv("METRICS_USERNAME", "prometheus"),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),

		SentryDSN:        getEnv("SENTRY_DSN", ""),
		Environment:      getEnv("ENVIRONMENT", "production"),
		BetterstackToken: getEnv("BETTERSTACK_TOKEN", ""),

		Snapshot: SnapshotConfig{
			Endpoint:    getEnv("SNAPSHOT_ENDPOINT", ""),
			AccessKeyID: getEnv("SNAPSHOT_ACCESS_KEY_ID", ""),
			SecretKey:   getEnv("SNAPSHOT_SECRET_KEY", ""),
			Bucket:      getEnv("SNAPSHOT_BUCKET", ""),
			Key:         getEnv("SNAPSHOT_KEY", "snapshots/harvester.db.zst"),
		},
	}

	// Clamp the parallel bounds before validation so misconfigured
	// deployments degrade instead of failing.
	cfg.ParallelMaxWorkers = clamp(cfg.ParallelMaxWorkers, MinWorkers, MaxWorkers)
	cfg.ParallelSessionPool = clamp(cfg.ParallelSessionPool, MinWorkers, cfg.ParallelMaxWorkers)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if required configuration values are set
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	if c.BaseURL == "" {
		errs = append(errs, errors.New("BASE_URL is required"))
	} else if _, err := url.Parse(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("BASE_URL is not a valid URL: %w", err))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("SCRAPER_TIMEOUT must be positive, got %v", c.Timeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("SCRAPER_MAX_RETRIES cannot be negative, got %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_DELAY cannot be negative, got %v", c.RetryDelay))
	}
	if c.RespectfulDelay < 0 {
		errs = append(errs, fmt.Errorf("RESPECTFUL_DELAY cannot be negative, got %v", c.RespectfulDelay))
	}
	if c.ParallelInterTaskDelay < 0 {
		errs = append(errs, fmt.Errorf("PARALLEL_INTER_TASK_DELAY cannot be negative, got %v", c.ParallelInterTaskDelay))
	}
	if c.ParallelMaxWorkers < MinWorkers || c.ParallelMaxWorkers > MaxWorkers {
		errs = append(errs, fmt.Errorf("PARALLEL_MAX_WORKERS must be in [%d, %d], got %d", MinWorkers, MaxWorkers, c.ParallelMaxWorkers))
	}
	if c.ParallelSessionPool < MinWorkers || c.ParallelSessionPool > c.ParallelMaxWorkers {
		errs = append(errs, fmt.Errorf("PARALLEL_SESSION_POOL_SIZE must be in [%d, %d], got %d", MinWorkers, c.ParallelMaxWorkers, c.ParallelSessionPool))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SQLitePath returns the full path to the SQLite database file
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "harvester.db")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// getEnv retrieves environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves integer environment variable with fallback to default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv retrieves duration environment variable with fallback to default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getBoolEnv retrieves boolean environment variable with fallback to default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
