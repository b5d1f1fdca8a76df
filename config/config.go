package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
)

const (
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	// Server
	Port string // default: 8080

	// EmbedAPI upstream
	EmbedAPIToken          string
	EmbedAPIPlan           pricing.PlanType // "" lets the credential decide
	EmbedAPIBaseURL        string
	EmbedAPIOrganizationID string
	EmbedAPIModel          string

	// Usage ledger
	UsageStore         string // sqlite, memory, redis or postgres
	UsageSQLitePath    string
	UsagePruneSchedule string        // cron expression, "" disables (set "none")
	UsageRetention     time.Duration // default: 90 days
	UsageStorageKey    string        // "" keeps the ledger's default key
	WorkerQueueSize    int

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Pricing
	PricingFile string

	// Observability
	LogLevel             string
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, 0 disables
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		EmbedAPIToken:          os.Getenv("EMBEDAPI_TOKEN"),
		EmbedAPIBaseURL:        getEnv("EMBEDAPI_BASE_URL", "https://api.embedapi.com/v1"),
		EmbedAPIOrganizationID: os.Getenv("EMBEDAPI_ORGANIZATION_ID"),
		EmbedAPIModel:          getEnv("EMBEDAPI_MODEL", "anthropic/claude-sonnet-4"),
		UsageStore:             strings.ToLower(getEnv("USAGE_STORE", StoreSQLite)),
		UsageSQLitePath:        getEnv("USAGE_SQLITE_PATH", defaultSQLitePath()),
		UsagePruneSchedule:     getEnv("USAGE_PRUNE_SCHEDULE", "0 3 * * *"),
		UsageStorageKey:        os.Getenv("USAGE_STORAGE_KEY"),
		PostgresDSN:            os.Getenv("POSTGRES_DSN"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		PricingFile:            os.Getenv("PRICING_FILE"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		OTELExporterType:       getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:   getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	if cfg.UsagePruneSchedule == "none" {
		cfg.UsagePruneSchedule = ""
	}

	plan, err := pricing.ParsePlanType(os.Getenv("EMBEDAPI_PLAN"))
	if err != nil {
		return nil, fmt.Errorf("invalid EMBEDAPI_PLAN: %w", err)
	}
	cfg.EmbedAPIPlan = plan

	// Rate Limiting Default
	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	retention, err := time.ParseDuration(getEnv("USAGE_RETENTION", "2160h"))
	if err != nil || retention <= 0 {
		return nil, fmt.Errorf("invalid USAGE_RETENTION: %q", os.Getenv("USAGE_RETENTION"))
	}
	cfg.UsageRetention = retention

	queueSize, err := strconv.Atoi(getEnv("WORKER_QUEUE_SIZE", "256"))
	if err != nil || queueSize <= 0 {
		return nil, fmt.Errorf("invalid WORKER_QUEUE_SIZE: %q", os.Getenv("WORKER_QUEUE_SIZE"))
	}
	cfg.WorkerQueueSize = queueSize

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected usage store has what it needs.
func (c *Config) Validate() error {
	switch c.UsageStore {
	case StoreSQLite:
		if c.UsageSQLitePath == "" {
			return fmt.Errorf("USAGE_SQLITE_PATH is required for the sqlite store")
		}
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown USAGE_STORE %q", c.UsageStore)
	}

	switch c.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("unknown OTEL_EXPORTER_TYPE %q", c.OTELExporterType)
	}
	return nil
}

// RateLimitEnabled reports whether a tokens-per-minute limit can be enforced.
func (c *Config) RateLimitEnabled() bool {
	return c.RedisAddr != "" && c.DefaultRateLimitTPM > 0
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "embedapi-usage.db"
	}
	return filepath.Join(dir, "embedapi-gateway", "usage.db")
}

// getEnv treats an empty variable as unset.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
