// Package config loads premiumsync settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store modes.
const (
	StoreModeSandbox = "sandbox"
	StoreModePlay    = "play"
)

// Cache backends.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv   string
	LogLevel string

	// Store
	StoreMode   string
	Platform    string
	TrackedSKUs []string

	// Verification backend
	VerifyBaseURL        string
	VerifyTimeout        time.Duration
	VerifyMaxAttempts    int
	VerifyBackoffBase    time.Duration
	VerifyBackoffMax     time.Duration
	VerifyRateLimit      float64
	VerifyBreakerEnabled bool

	// Backend client credentials; all three set enables OAuth2.
	VerifyOAuthClientID     string
	VerifyOAuthClientSecret string
	VerifyOAuthTokenURL     string

	// State machine
	WorkerPoolSize int

	// Persistence
	CacheBackend string
	SQLitePath   string
	RedisURL     string

	// Messaging
	RabbitMQURL             string
	StoreNotificationsQueue string

	// Google Play
	GooglePlayPackageName        string
	GooglePlayServiceAccountJSON string

	// Worker
	AckSweepInterval time.Duration
	MetricsAddr      string

	// MCP
	MCPAddr      string
	MCPAuthToken string
}

// Load loads configuration from environment variables and an optional .env file.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreMode:   strings.ToLower(getEnv("STORE_MODE", StoreModeSandbox)),
		Platform:    getEnv("PLATFORM", ""),
		TrackedSKUs: getListEnv("TRACKED_SKUS"),

		VerifyBaseURL:        getEnv("VERIFY_BASE_URL", "http://localhost:8080"),
		VerifyTimeout:        getDurationEnv("VERIFY_TIMEOUT", 10*time.Second),
		VerifyMaxAttempts:    getIntEnv("VERIFY_MAX_ATTEMPTS", 3),
		VerifyBackoffBase:    getDurationEnv("VERIFY_BACKOFF_BASE", 500*time.Millisecond),
		VerifyBackoffMax:     getDurationEnv("VERIFY_BACKOFF_MAX", 4*time.Second),
		VerifyRateLimit:      getFloatEnv("VERIFY_RATE_LIMIT", 0),
		VerifyBreakerEnabled: getBoolEnv("VERIFY_CIRCUIT_BREAKER", true),

		VerifyOAuthClientID:     getEnv("VERIFY_OAUTH_CLIENT_ID", ""),
		VerifyOAuthClientSecret: getEnv("VERIFY_OAUTH_CLIENT_SECRET", ""),
		VerifyOAuthTokenURL:     getEnv("VERIFY_OAUTH_TOKEN_URL", ""),

		WorkerPoolSize: getIntEnv("WORKER_POOL_SIZE", 2),

		CacheBackend: strings.ToLower(getEnv("CACHE_BACKEND", CacheBackendSQLite)),
		SQLitePath:   getEnv("SQLITE_PATH", ""),
		RedisURL:     getEnv("REDIS_URL", ""),

		RabbitMQURL:             getEnv("RABBITMQ_URL", ""),
		StoreNotificationsQueue: getEnv("STORE_NOTIFICATIONS_QUEUE", "premiumsync.worker"),

		GooglePlayPackageName:        getEnv("GOOGLE_PLAY_PACKAGE_NAME", ""),
		GooglePlayServiceAccountJSON: getEnv("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON", ""),

		AckSweepInterval: getDurationEnv("ACK_SWEEP_INTERVAL", 15*time.Minute),
		MetricsAddr:      getEnv("METRICS_ADDR", "0.0.0.0:9090"),

		MCPAddr:      getEnv("MCP_ADDR", "0.0.0.0:8082"),
		MCPAuthToken: getEnv("MCP_AUTH_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreMode {
	case StoreModeSandbox:
	case StoreModePlay:
		if c.GooglePlayPackageName == "" {
			errs = append(errs, errors.New("STORE_MODE=play requires GOOGLE_PLAY_PACKAGE_NAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_MODE %q", c.StoreMode))
	}

	switch c.CacheBackend {
	case CacheBackendSQLite, CacheBackendMemory:
	case CacheBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("CACHE_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}

	if c.WorkerPoolSize < 1 {
		errs = append(errs, fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", c.WorkerPoolSize))
	}
	if c.VerifyMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("VERIFY_MAX_ATTEMPTS must be at least 1, got %d", c.VerifyMaxAttempts))
	}
	return errors.Join(errs...)
}

// OAuthEnabled reports whether backend calls carry client-credential tokens.
func (c *Config) OAuthEnabled() bool {
	return c.VerifyOAuthClientID != "" && c.VerifyOAuthClientSecret != "" && c.VerifyOAuthTokenURL != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping blanks.
func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
