package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestParseFlags(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", "/etc/avalb/gateway.yaml")
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")

	flags := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-log-format", "console"})

	assert.Equal(t, "/etc/avalb/gateway.yaml", flags.configPath)
	assert.Equal(t, "warn", flags.logLevel)
	assert.Equal(t, "console", flags.logFormat)
	assert.False(t, flags.showVersion)

	flags = parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-log-level", "debug", "-version"})
	assert.Equal(t, "debug", flags.logLevel)
	assert.True(t, flags.showVersion)
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("AVALB_TEST_VALUE", "set")

	assert.Equal(t, "set", getEnvOrDefault("AVALB_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", getEnvOrDefault("AVALB_TEST_UNSET", "fallback"))
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults without a path", func(t *testing.T) {
		t.Parallel()

		cfg, err := loadConfig(cliFlags{})
		require.NoError(t, err)
		assert.Equal(t, 8000, cfg.Listener.Port)
		assert.Len(t, cfg.Backends, 3)
		assert.Equal(t, "info", cfg.Observability.Logging.Level)
	})

	t.Run("flags override the file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "gateway.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
listener:
  port: 8100
backends:
  - http://localhost:9001
observability:
  logging:
    level: error
`), 0o600))

		cfg, err := loadConfig(cliFlags{configPath: path, logLevel: "debug", logFormat: "console"})
		require.NoError(t, err)
		assert.Equal(t, 8100, cfg.Listener.Port)
		assert.Equal(t, []string{"http://localhost:9001"}, cfg.BackendAddresses())
		assert.Equal(t, "debug", cfg.Observability.Logging.Level)
		assert.Equal(t, "console", cfg.Observability.Logging.Format)
	})

	t.Run("invalid override is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := loadConfig(cliFlags{logLevel: "loud"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := loadConfig(cliFlags{configPath: filepath.Join(t.TempDir(), "absent.yaml")})
		assert.Error(t, err)
	})
}

func testConfig(backends ...string) *config.GatewayConfig {
	cfg := config.DefaultConfig()
	cfg.Listener.Bind = "127.0.0.1"
	cfg.Listener.Port = 0
	cfg.Listener.ShutdownTimeout = config.Duration(2 * time.Second)
	cfg.Observability.Metrics.Port = 0
	cfg.HealthCheck.Interval = config.Duration(time.Hour)
	cfg.Backends = nil
	for _, b := range backends {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{Address: b})
	}
	return cfg
}

func TestNewApplication(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://localhost:8001", "http://localhost:8002")

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)

	assert.NotNil(t, app.gateway)
	assert.NotNil(t, app.monitor)
	assert.NotNil(t, app.limiter)
	assert.NotNil(t, app.metricsServer)
	assert.Nil(t, app.stats)
	assert.Equal(t, 2, app.pool.Len())
	assert.Equal(t, []string{"endpoints", "health_monitor"}, app.healthChecker.Names())
	assert.False(t, app.tracer.Enabled())
}

func TestNewApplication_RateLimitDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://localhost:8001")
	cfg.RateLimit.Enabled = false
	cfg.Observability.Metrics.Enabled = false

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)

	assert.Nil(t, app.limiter)
	assert.Nil(t, app.metricsServer)
}

func TestNewApplication_InvalidBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ftp://localhost:21")

	_, err := newApplication(cfg, observability.NopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint pool")
}

func TestNewApplication_StatsRecorder(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	cfg := testConfig("http://localhost:8001")
	cfg.RateLimit.Stats.Enabled = true
	cfg.RateLimit.Stats.Address = mr.Addr()

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	require.NotNil(t, app.stats)
	t.Cleanup(func() { _ = app.stats.Close() })
}

func TestNewApplication_StatsUnavailable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig("http://localhost:8001")
	cfg.RateLimit.Stats.Enabled = true
	cfg.RateLimit.Stats.Address = addr

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	assert.Nil(t, app.stats)
	assert.NotNil(t, app.limiter)
}

func TestHealthMonitorOptions(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://localhost:8001")
	m := observability.NewMetrics("test")

	httpOpts := healthMonitorOptions(cfg, observability.NopLogger(), m)

	cfg.HealthCheck.Protocol = config.ProtocolGRPC
	grpcOpts := healthMonitorOptions(cfg, observability.NopLogger(), m)

	assert.Len(t, grpcOpts, len(httpOpts)+1)
}

func TestApplication_StartServeShutdown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	logger := observability.NopLogger()

	app, err := newApplication(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.start(ctx, logger))

	assert.True(t, app.gateway.IsRunning())
	assert.True(t, app.monitor.IsRunning())
	require.Eventually(t, func() bool { return app.monitor.Rounds() >= 1 }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + app.gateway.Addr() + "/api/orders/7")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/orders/7"}`, string(body))
	assert.Equal(t, "4", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get("http://" + app.metricsServer.Addr() + "/metrics")
	require.NoError(t, err)
	metricsBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(metricsBody), "gateway_requests_total")

	app.shutdown(logger)

	assert.False(t, app.gateway.IsRunning())
	assert.False(t, app.monitor.IsRunning())
	assert.False(t, app.metricsServer.IsRunning())
}
