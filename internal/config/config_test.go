package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "nats", cfg.StoreBackend)
	assert.Equal(t, 90*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, 20, cfg.AnonDailyLimit)
	assert.Equal(t, 0, cfg.QuotaResetHour)
	assert.Equal(t, 0, cfg.CacheMaxConversations)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("COMPLETION_TIMEOUT", "45s")
	t.Setenv("ANON_DAILY_LIMIT", "5")
	t.Setenv("QUOTA_RESET_HOUR", "6")
	t.Setenv("CACHE_MAX_CONVERSATIONS", "10")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("RATE_LIMIT_REQUESTS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 45*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, 5, cfg.AnonDailyLimit)
	assert.Equal(t, 6, cfg.QuotaResetHour)
	assert.Equal(t, 10, cfg.CacheMaxConversations)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 60, cfg.RateLimitRequests)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "backend", mutate: func(c *Config) { c.StoreBackend = "postgres" }},
		{name: "reset hour", mutate: func(c *Config) { c.QuotaResetHour = 24 }},
		{name: "limit", mutate: func(c *Config) { c.AnonDailyLimit = 0 }},
		{name: "timeout", mutate: func(c *Config) { c.CompletionTimeout = 0 }},
		{name: "session idle", mutate: func(c *Config) { c.SessionIdleTimeout = 0 }},
		{name: "session idle below a second", mutate: func(c *Config) { c.SessionIdleTimeout = 3 * time.Nanosecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
