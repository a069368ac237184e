package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, []string{
		"http://localhost:8001",
		"http://localhost:8002",
		"http://localhost:8003",
	}, cfg.BackendAddresses())
	assert.Equal(t, 8000, cfg.Listener.Port)
	assert.Equal(t, "0.0.0.0:8000", cfg.Listener.Address())
	assert.Equal(t, "/api", cfg.Proxy.Prefix)
	assert.Equal(t, 10*time.Second, cfg.Proxy.Timeout.Duration())
	assert.Equal(t, 10*time.Second, cfg.HealthCheck.Interval.Duration())
	assert.Equal(t, 5*time.Second, cfg.HealthCheck.Timeout.Duration())
	assert.Equal(t, "/health", cfg.HealthCheck.Path)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window.Duration())
	assert.False(t, cfg.RateLimit.Global.Enabled)
	assert.False(t, cfg.RateLimit.Stats.Enabled)
	assert.False(t, cfg.Observability.Tracing.Enabled)

	assert.NoError(t, ValidateConfig(cfg))
}

func TestDefaultConfig_ReturnsFreshCopies(t *testing.T) {
	t.Parallel()

	a := DefaultConfig()
	a.Backends[0].Address = "http://changed:1"

	b := DefaultConfig()
	assert.Equal(t, "http://localhost:8001", b.Backends[0].Address)
}
