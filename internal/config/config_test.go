package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "flowpipe-orchestrator", cfg.OTELServiceName)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTTL)
	assert.Equal(t, 5*time.Minute, cfg.DefaultLeaseTTL)
	assert.Equal(t, 100, cfg.DeadLetterCap)
	assert.Equal(t, 8, cfg.ControlConcurrency)
	assert.Equal(t, time.Hour, cfg.ApprovalRetention)
	assert.Equal(t, 100*time.Millisecond, cfg.CompensationPacing)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://cache:6380/1")
	t.Setenv("DEFAULT_LEASE_TTL", "90s")
	t.Setenv("DEAD_LETTER_CAP", "25")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.IsDev())
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "redis://cache:6380/1", cfg.RedisURL)
	assert.Equal(t, 90*time.Second, cfg.DefaultLeaseTTL)
	assert.Equal(t, 25, cfg.DeadLetterCap)
	assert.Equal(t, "https://a.example,https://b.example", cfg.CORSAllowOrigins)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
}
