// Package config provides configuration loading for the tideflow service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tideflow service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Task store configuration
	TaskStoreType string // "memory" or "redis"
	TaskStoreTTL  time.Duration
	EventMaxLen   int64

	// Feature store configuration
	FeatureStoreType string // "memory" or "redis"

	// Quota ledger configuration
	QuotaLedgerType    string // "memory" or "postgres"
	PostgresDSN        string
	ReconcileInterval  time.Duration
	ReconcileMinAge    time.Duration
	ReconcileEnabled   bool

	// Payload offload configuration
	PayloadBackend   string // "memory", "s3", "minio"
	PayloadThreshold int
	S3Endpoint       string
	S3Bucket         string
	S3Region         string
	S3AccessKeyID    string
	S3SecretKey      string
	S3UseSSL         bool

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// Tracing configuration
	TracingEnabled bool
	OTLPEndpoint   string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Task store
		TaskStoreType: getEnv("TIDEFLOW_TASKSTORE", "memory"), // "memory" or "redis"
		TaskStoreTTL:  getDuration("TASKSTORE_TTL", 30*24*time.Hour),
		EventMaxLen:   getInt64("EVENT_MAX_LEN", 1000),

		// Feature store
		FeatureStoreType: getEnv("TIDEFLOW_FEATURESTORE", "memory"), // "memory" or "redis"

		// Quota ledger
		QuotaLedgerType:   getEnv("TIDEFLOW_QUOTA_LEDGER", "memory"), // "memory" or "postgres"
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		ReconcileInterval: getDuration("QUOTA_RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileMinAge:   getDuration("QUOTA_RECONCILE_MIN_AGE", 10*time.Minute),
		ReconcileEnabled:  getBool("QUOTA_RECONCILE_ENABLED", true),

		// Payload offload
		PayloadBackend:   getEnv("PAYLOAD_BACKEND", "memory"), // "memory", "s3", "minio"
		PayloadThreshold: getInt("PAYLOAD_THRESHOLD_BYTES", 256*1024),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3Bucket:         getEnv("S3_BUCKET", "tideflow-payloads"),
		S3Region:         getEnv("S3_REGION", ""),
		S3AccessKeyID:    getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:         getBool("S3_USE_SSL", false),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// Tracing
		TracingEnabled: getBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
