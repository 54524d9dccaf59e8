// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Storage
	StoreBackend string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	DefaultModel    string
	TitleModel      string
	MaxTokens       int

	// Chat pipeline
	CompletionTimeout     time.Duration
	AnonDailyLimit        int
	QuotaResetHour        int
	CacheMaxConversations int
	SessionIdleTimeout    time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Storage
		StoreBackend: getEnv("STORE_BACKEND", "nats"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		DefaultModel:    getEnv("DEFAULT_MODEL", ""),
		TitleModel:      getEnv("TITLE_MODEL", ""),
		MaxTokens:       getIntEnv("MAX_TOKENS", 4096),

		// Chat pipeline
		CompletionTimeout:     getDurationEnv("COMPLETION_TIMEOUT", 90*time.Second),
		AnonDailyLimit:        getIntEnv("ANON_DAILY_LIMIT", 20),
		QuotaResetHour:        getIntEnv("QUOTA_RESET_HOUR", 0),
		CacheMaxConversations: getIntEnv("CACHE_MAX_CONVERSATIONS", 0),
		SessionIdleTimeout:    getDurationEnv("SESSION_IDLE_TIMEOUT", 2*time.Hour),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "nats", "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.QuotaResetHour < 0 || c.QuotaResetHour > 23 {
		return fmt.Errorf("QUOTA_RESET_HOUR must be between 0 and 23, got %d", c.QuotaResetHour)
	}
	if c.AnonDailyLimit <= 0 {
		return fmt.Errorf("ANON_DAILY_LIMIT must be positive, got %d", c.AnonDailyLimit)
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive, got %s", c.CompletionTimeout)
	}
	if c.SessionIdleTimeout < time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 1s, got %s", c.SessionIdleTimeout)
	}
	return nil
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

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
