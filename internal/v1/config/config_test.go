package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("DEVELOPMENT_MODE", "true")
	t.Setenv("PORT", "8080")
}

func TestValidateEnvDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.DevelopmentMode)
	assert.Equal(t, 3478, cfg.TurnPort)
	assert.Equal(t, 600, cfg.TurnTTL)
	assert.True(t, cfg.TurnEnableTCP)
	assert.Equal(t, time.Minute, cfg.JanitorInterval)
	assert.Equal(t, 10*time.Minute, cfg.MaxQueueWait)
	assert.Equal(t, "300-M", cfg.RateLimitAPI)
}

func TestValidateEnvInvalidPort(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "not-a-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidateEnvRequiresDatabaseOutsideDevMode(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DEVELOPMENT_MODE", "false")
	t.Setenv("DATABASE_URL", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateEnvInvalidRedisAddr(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REDIS_ADDR", "localhost")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestValidateEnvAccumulatesErrors(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "99999")
	t.Setenv("TURN_TTL", "abc")
	t.Setenv("JANITOR_INTERVAL", "soon")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "TURN_TTL")
	assert.Contains(t, err.Error(), "JANITOR_INTERVAL")
}

func TestValidateEnvDurations(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JANITOR_INTERVAL", "30s")
	t.Setenv("MAX_QUEUE_WAIT", "5m")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.JanitorInterval)
	assert.Equal(t, 5*time.Minute, cfg.MaxQueueWait)
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("localhost:0"))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "abcdefgh***", redactSecret("abcdefghijklmnop"))
}
