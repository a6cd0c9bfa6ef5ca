// Package config loads all runtime configuration from environment variables.
// No config files and no third-party config framework are used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for Civitas.
type Config struct {
	HTTP    HTTPConfig
	DB      DBConfig
	Log     LogConfig
	JWT     JWTConfig
	Auth    AuthConfig
	Storage StorageConfig
	Upload  UploadConfig
	Publish PublishConfig
	App     AppConfig
	Worker  WorkerConfig
	OTel    OTelConfig
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver   string // "sqlite" (default) or "postgres"
	DSN      string // required when Driver == "postgres"
	File     string // SQLite database file path (default: "civitas.db")
	MaxConns int    // Postgres only
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string
	Format string
}

// JWTConfig holds JSON Web Token signing and expiry settings.
type JWTConfig struct {
	Secret    string //nolint:gosec // intentional: holds JWT signing secret loaded from env
	AccessTTL time.Duration
}

// AuthConfig holds session/refresh lifecycle and trust-boundary settings.
type AuthConfig struct {
	SessionTTL     time.Duration // fixed session length from creation
	RefreshTTL     time.Duration // must be strictly longer than SessionTTL
	GatewaySecret  string        // shared secret for the provider-callback gateway
	RateLimitRPS   float64       // per-IP rate on public auth endpoints
	RateLimitBurst int
}

// StorageConfig holds S3-compatible blob store settings.
type StorageConfig struct {
	Bucket        string
	Region        string
	Endpoint      string // empty -> default AWS endpoint resolution
	PublicBaseURL string // prefix for public object URLs
}

// UploadConfig bounds the two-phase media upload protocol.
type UploadConfig struct {
	MaxFileSize      int64         // bytes
	MaxFilesPerDraft int
	URLTTL           time.Duration // signed upload URL validity window
	StaleAfter       time.Duration // pending/uploaded rows older than this are sweepable
}

// PublishConfig bounds the publish pipeline.
type PublishConfig struct {
	MaxContentLength int    // runes
	PostBaseURL      string // prefix for returned post URLs
}

// AppConfig holds application-level settings such as seed credentials.
type AppConfig struct {
	SeedAdminEmail    string
	SeedAdminPassword string
	SeedGroupSlug     string
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency   int
	SweepInterval time.Duration
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	OTLPEndpoint string
	Environment  string  // deployment environment name on telemetry resources
	SampleRatio  float64 // fraction of root traces to keep
}

// Load reads configuration from environment variables, applies defaults,
// and returns an error if any required field is absent.
func Load() (*Config, error) {
	cfg := &Config{}

	// HTTP
	cfg.HTTP.Port = envInt("HTTP_PORT", 8080)

	// DB
	cfg.DB.Driver = envStr("DB_DRIVER", "sqlite")
	cfg.DB.File = envStr("DB_FILE", "civitas.db")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return nil, errors.New("DB_DSN is required when DB_DRIVER=postgres")
	}
	cfg.DB.MaxConns = envInt("DB_MAX_CONNS", 25)

	// Log
	cfg.Log.Level = envStr("LOG_LEVEL", "info")
	cfg.Log.Format = envStr("LOG_FORMAT", "json")

	// JWT (required)
	cfg.JWT.Secret = os.Getenv("JWT_SECRET")
	if cfg.JWT.Secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	var err error
	cfg.JWT.AccessTTL, err = envDuration("JWT_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("JWT_ACCESS_TTL: %w", err)
	}

	// Auth
	cfg.Auth.SessionTTL, err = envDuration("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SESSION_TTL: %w", err)
	}
	cfg.Auth.RefreshTTL, err = envDuration("REFRESH_TTL", 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("REFRESH_TTL: %w", err)
	}
	if cfg.Auth.RefreshTTL <= cfg.Auth.SessionTTL {
		return nil, errors.New("REFRESH_TTL must be longer than SESSION_TTL")
	}
	cfg.Auth.GatewaySecret = os.Getenv("AUTH_GATEWAY_SECRET")
	cfg.Auth.RateLimitRPS = envFloat("AUTH_RATE_LIMIT_RPS", 5)
	cfg.Auth.RateLimitBurst = envInt("AUTH_RATE_LIMIT_BURST", 10)

	// Storage
	cfg.Storage.Bucket = envStr("STORAGE_BUCKET", "civitas-media")
	cfg.Storage.Region = envStr("STORAGE_REGION", "us-east-1")
	cfg.Storage.Endpoint = os.Getenv("STORAGE_ENDPOINT")
	cfg.Storage.PublicBaseURL = os.Getenv("STORAGE_PUBLIC_BASE_URL")

	// Upload
	cfg.Upload.MaxFileSize = int64(envInt("UPLOAD_MAX_FILE_SIZE", 50*1024*1024))
	cfg.Upload.MaxFilesPerDraft = envInt("UPLOAD_MAX_FILES_PER_DRAFT", 10)
	cfg.Upload.URLTTL, err = envDuration("UPLOAD_URL_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("UPLOAD_URL_TTL: %w", err)
	}
	cfg.Upload.StaleAfter, err = envDuration("UPLOAD_STALE_AFTER", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UPLOAD_STALE_AFTER: %w", err)
	}

	// Publish
	cfg.Publish.MaxContentLength = envInt("PUBLISH_MAX_CONTENT_LENGTH", 50000)
	cfg.Publish.PostBaseURL = envStr("PUBLISH_POST_BASE_URL", "/posts")

	// App
	cfg.App.SeedAdminEmail = envStr("SEED_ADMIN_EMAIL", "admin@civitas.local")
	cfg.App.SeedAdminPassword = os.Getenv("SEED_ADMIN_PASSWORD")
	cfg.App.SeedGroupSlug = envStr("SEED_GROUP_SLUG", "general")

	// Worker
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 10)
	cfg.Worker.SweepInterval, err = envDuration("WORKER_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("WORKER_SWEEP_INTERVAL: %w", err)
	}

	// OTel
	cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTel.Environment = envStr("DEPLOY_ENV", "development")
	cfg.OTel.SampleRatio = envFloat("OTEL_TRACE_SAMPLE_RATIO", 1)

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
