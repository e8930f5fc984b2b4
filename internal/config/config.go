package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	LogFormat          string
	UseMemoryStore     bool
	DatabaseURL        string
	StaffJWTSecret     string
	AllowHeaderActor   bool
	CORSAllowedOrigins []string

	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	EventChannelPrefix string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	EventsQueueURL      string

	// Outbox delivery
	OutboxEnabled     bool
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxMaxAttempts int

	// Queue behaviour
	DefaultTimezone     string
	ClaimRetries        int
	GraceSweepInterval  time.Duration
	GraceSweepActor     string
	RequestTimeout      time.Duration
	WebsocketBufferSize int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		UseMemoryStore:     getEnvAsBool("USE_MEMORY_STORE", false),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		StaffJWTSecret:     getEnv("STAFF_JWT_SECRET", ""),
		AllowHeaderActor:   getEnvAsBool("ALLOW_HEADER_ACTOR", false),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		EventChannelPrefix: getEnv("EVENT_CHANNEL_PREFIX", "queue:events"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		EventsQueueURL:      getEnv("EVENTS_QUEUE_URL", ""),

		OutboxEnabled:     getEnvAsBool("OUTBOX_ENABLED", true),
		OutboxInterval:    getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
		OutboxMaxAttempts: getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 10),

		DefaultTimezone:     getEnv("DEFAULT_TIMEZONE", "UTC"),
		ClaimRetries:        getEnvAsInt("CLAIM_RETRIES", 3),
		GraceSweepInterval:  getEnvAsDuration("GRACE_SWEEP_INTERVAL", 0),
		GraceSweepActor:     getEnv("GRACE_SWEEP_ACTOR", "system:grace-sweeper"),
		RequestTimeout:      getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		WebsocketBufferSize: getEnvAsInt("WEBSOCKET_BUFFER_SIZE", 64),
	}
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
