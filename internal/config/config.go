package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when a field is absent from the configuration file.
const (
	DefaultGatewayName       = "API Gateway"
	DefaultGatewayVersion    = "1.0.0"
	DefaultBind              = "0.0.0.0"
	DefaultPort              = 8000
	DefaultProxyPrefix       = "/api"
	DefaultProxyTimeout      = 10 * time.Second
	DefaultMaxBodyBytes      = 10 << 20
	DefaultMaxResponseBytes  = 32 << 20
	DefaultHealthPath        = "/health"
	DefaultHealthInterval    = 10 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
	DefaultMaxRequests       = 5
	DefaultWindow            = 60 * time.Second
	DefaultSweepInterval     = 60 * time.Second
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultMetricsNamespace  = "gateway"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultStatsKeyPrefix    = "avalb:ratelimit:stats"
	DefaultStatsTTL          = 24 * time.Hour
)

// Health probe protocols.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// GatewayConfig is the root configuration of the gateway process.
// It is loaded once at startup and treated as immutable afterwards.
type GatewayConfig struct {
	Gateway       GatewayInfo         `yaml:"gateway" json:"gateway"`
	Listener      ListenerConfig      `yaml:"listener" json:"listener"`
	Proxy         ProxyConfig         `yaml:"proxy" json:"proxy"`
	Backends      []BackendConfig     `yaml:"backends" json:"backends"`
	HealthCheck   HealthCheckConfig   `yaml:"healthCheck" json:"healthCheck"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit" json:"rateLimit"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// GatewayInfo identifies the gateway in responses and telemetry.
type GatewayInfo struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// ListenerConfig configures the public HTTP listener.
type ListenerConfig struct {
	Bind              string   `yaml:"bind" json:"bind"`
	Port              int      `yaml:"port" json:"port"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout" json:"readHeaderTimeout"`
	IdleTimeout       Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout   Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// Address returns the host:port the listener binds to.
func (l ListenerConfig) Address() string {
	return fmt.Sprintf("%s:%d", l.Bind, l.Port)
}

// ProxyConfig configures request forwarding.
type ProxyConfig struct {
	// Prefix is the path prefix routed to backends, e.g. "/api".
	Prefix       string   `yaml:"prefix" json:"prefix"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
	MaxBodyBytes int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`

	// MaxResponseBytes caps a backend response body, which is read in full
	// before it is relayed.
	MaxResponseBytes int64 `yaml:"maxResponseBytes" json:"maxResponseBytes"`
}

// BackendConfig describes one backend endpoint. In YAML it may be written
// either as a mapping with an address key or as a bare address string.
type BackendConfig struct {
	Address string `yaml:"address" json:"address"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		b.Address = value.Value
		return nil
	}
	type plain BackendConfig
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = BackendConfig(p)
	return nil
}

// HealthCheckConfig configures active backend probing.
type HealthCheckConfig struct {
	Path        string   `yaml:"path" json:"path"`
	Interval    Duration `yaml:"interval" json:"interval"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
	Protocol    string   `yaml:"protocol" json:"protocol"`
	GRPCService string   `yaml:"grpcService" json:"grpcService"`
}

// RateLimitConfig configures per-client admission control.
type RateLimitConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	MaxRequests    int               `yaml:"maxRequests" json:"maxRequests"`
	Window         Duration          `yaml:"window" json:"window"`
	SweepInterval  Duration          `yaml:"sweepInterval" json:"sweepInterval"`
	TrustedProxies []string          `yaml:"trustedProxies" json:"trustedProxies"`
	Global         GlobalLimitConfig `yaml:"global" json:"global"`
	Stats          StatsConfig       `yaml:"stats" json:"stats"`
}

// GlobalLimitConfig configures the gateway-wide request ceiling.
type GlobalLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// StatsConfig configures the Redis sink for admission decision counters.
type StatsConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Address   string   `yaml:"address" json:"address"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	KeyPrefix string   `yaml:"keyPrefix" json:"keyPrefix"`
	TTL       Duration `yaml:"ttl" json:"ttl"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the Prometheus metrics server.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Port      int    `yaml:"port" json:"port"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns the built-in configuration: three local backends
// on ports 8001-8003, 5 requests per 60 seconds per client, probes every
// 10 seconds with a 5 second timeout, and a 10 second forwarding timeout.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Gateway: GatewayInfo{
			Name:    DefaultGatewayName,
			Version: DefaultGatewayVersion,
		},
		Listener: ListenerConfig{
			Bind:              DefaultBind,
			Port:              DefaultPort,
			ReadHeaderTimeout: Duration(DefaultReadHeaderTimeout),
			IdleTimeout:       Duration(DefaultIdleTimeout),
			ShutdownTimeout:   Duration(DefaultShutdownTimeout),
		},
		Proxy: ProxyConfig{
			Prefix:           DefaultProxyPrefix,
			Timeout:          Duration(DefaultProxyTimeout),
			MaxBodyBytes:     DefaultMaxBodyBytes,
			MaxResponseBytes: DefaultMaxResponseBytes,
		},
		Backends: []BackendConfig{
			{Address: "http://localhost:8001"},
			{Address: "http://localhost:8002"},
			{Address: "http://localhost:8003"},
		},
		HealthCheck: HealthCheckConfig{
			Path:     DefaultHealthPath,
			Interval: Duration(DefaultHealthInterval),
			Timeout:  Duration(DefaultHealthTimeout),
			Protocol: ProtocolHTTP,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxRequests:   DefaultMaxRequests,
			Window:        Duration(DefaultWindow),
			SweepInterval: Duration(DefaultSweepInterval),
			Stats: StatsConfig{
				KeyPrefix: DefaultStatsKeyPrefix,
				TTL:       Duration(DefaultStatsTTL),
			},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Port:      DefaultMetricsPort,
				Path:      DefaultMetricsPath,
				Namespace: DefaultMetricsNamespace,
			},
			Tracing: TracingConfig{
				OTLPEndpoint: "localhost:4317",
				SamplingRate: 1.0,
				ServiceName:  "avalb",
			},
		},
	}
}

// BackendAddresses returns the configured backend addresses in order.
func (c *GatewayConfig) BackendAddresses() []string {
	addrs := make([]string, 0, len(c.Backends))
	for _, b := range c.Backends {
		addrs = append(addrs, b.Address)
	}
	return addrs
}
