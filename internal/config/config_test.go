package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 10*time.Minute, cfg.BreakerCooldownMax)
	assert.Equal(t, 20, cfg.SendsPerMinute)
	assert.Equal(t, 1000, cfg.SendsPerDay)
	assert.Equal(t, 6, cfg.ReconnectTries)
	assert.Equal(t, 2*time.Minute, cfg.HandshakeTimeout)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BREAKER_THRESHOLD", "5")
	t.Setenv("BREAKER_COOLDOWN", "1m")
	t.Setenv("SAFETY_SENDS_PER_MINUTE", "50")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, time.Minute, cfg.BreakerCooldown)
	assert.Equal(t, 50, cfg.SendsPerMinute)
	assert.True(t, cfg.TracingEnabled)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("BREAKER_THRESHOLD", "lots")
	t.Setenv("BREAKER_COOLDOWN", "soon")
	t.Setenv("TRACING_ENABLED", "kinda")

	cfg := Load()

	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.False(t, cfg.TracingEnabled)
}
