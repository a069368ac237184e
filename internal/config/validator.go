package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/avalb/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is reports ErrConfigInvalid for any non-empty collection.
func (e ValidationErrors) Is(target error) bool {
	return target == util.ErrConfigInvalid && len(e) > 0
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(config *GatewayConfig) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *GatewayConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateListener(&config.Listener)
	v.validateProxy(&config.Proxy)
	v.validateBackends(config.Backends)
	v.validateHealthCheck(&config.HealthCheck)
	v.validateRateLimit(&config.RateLimit)
	v.validateObservability(&config.Observability, config.Listener.Port)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateListener(l *ListenerConfig) {
	if err := util.ValidatePort(l.Port); err != nil {
		v.addError("listener.port", err.Error())
	}
	if l.ShutdownTimeout < 0 {
		v.addError("listener.shutdownTimeout", "must not be negative")
	}
}

func (v *Validator) validateProxy(p *ProxyConfig) {
	switch {
	case p.Prefix == "":
		v.addError("proxy.prefix", "prefix is required")
	case !strings.HasPrefix(p.Prefix, "/"):
		v.addError("proxy.prefix", "prefix must start with '/'")
	case p.Prefix == "/":
		v.addError("proxy.prefix", "prefix must not be the root path")
	case strings.HasSuffix(p.Prefix, "/"):
		v.addError("proxy.prefix", "prefix must not end with '/'")
	}
	if err := util.ValidatePositiveDuration(p.Timeout.Duration()); err != nil {
		v.addError("proxy.timeout", err.Error())
	}
	if p.MaxBodyBytes <= 0 {
		v.addError("proxy.maxBodyBytes", "must be positive")
	}
	if p.MaxResponseBytes <= 0 {
		v.addError("proxy.maxResponseBytes", "must be positive")
	}
}

// validateBackends requires at least one backend and rejects duplicates,
// since the pool identifies endpoints by address.
func (v *Validator) validateBackends(backends []BackendConfig) {
	if len(backends) == 0 {
		v.addError("backends", "at least one backend is required")
		return
	}

	seen := make(map[string]bool, len(backends))
	for i, b := range backends {
		path := fmt.Sprintf("backends[%d].address", i)
		if err := util.ValidateURL(b.Address); err != nil {
			v.addError(path, err.Error())
			continue
		}
		if seen[b.Address] {
			v.addError(path, fmt.Sprintf("duplicate backend address: %s", b.Address))
			continue
		}
		seen[b.Address] = true
	}
}

func (v *Validator) validateHealthCheck(h *HealthCheckConfig) {
	switch h.Protocol {
	case ProtocolHTTP:
		if !strings.HasPrefix(h.Path, "/") {
			v.addError("healthCheck.path", "path must start with '/'")
		}
	case ProtocolGRPC:
	default:
		v.addError("healthCheck.protocol", fmt.Sprintf("protocol must be %s or %s", ProtocolHTTP, ProtocolGRPC))
	}
	if err := util.ValidatePositiveDuration(h.Interval.Duration()); err != nil {
		v.addError("healthCheck.interval", err.Error())
	}
	if err := util.ValidatePositiveDuration(h.Timeout.Duration()); err != nil {
		v.addError("healthCheck.timeout", err.Error())
	}
}

func (v *Validator) validateRateLimit(r *RateLimitConfig) {
	if r.Enabled {
		if r.MaxRequests < 1 {
			v.addError("rateLimit.maxRequests", "must be at least 1")
		}
		if err := util.ValidatePositiveDuration(r.Window.Duration()); err != nil {
			v.addError("rateLimit.window", err.Error())
		}
		if err := util.ValidatePositiveDuration(r.SweepInterval.Duration()); err != nil {
			v.addError("rateLimit.sweepInterval", err.Error())
		}
	}

	for i, proxy := range r.TrustedProxies {
		if err := util.ValidateCIDROrIP(proxy); err != nil {
			v.addError(fmt.Sprintf("rateLimit.trustedProxies[%d]", i), err.Error())
		}
	}

	if r.Global.Enabled {
		if r.Global.RequestsPerSecond <= 0 {
			v.addError("rateLimit.global.requestsPerSecond", "must be positive")
		}
		if r.Global.Burst < 1 {
			v.addError("rateLimit.global.burst", "must be at least 1")
		}
	}

	if r.Stats.Enabled && r.Stats.Address == "" {
		v.addError("rateLimit.stats.address", "address is required when stats are enabled")
	}
}

func (v *Validator) validateObservability(obs *ObservabilityConfig, listenerPort int) {
	switch obs.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("observability.logging.level", fmt.Sprintf("invalid log level: %s", obs.Logging.Level))
	}
	switch obs.Logging.Format {
	case "json", "console":
	default:
		v.addError("observability.logging.format", fmt.Sprintf("invalid log format: %s", obs.Logging.Format))
	}

	if obs.Metrics.Enabled {
		if err := util.ValidatePort(obs.Metrics.Port); err != nil {
			v.addError("observability.metrics.port", err.Error())
		} else if obs.Metrics.Port == listenerPort {
			v.addError("observability.metrics.port", "must differ from listener.port")
		}
		if !strings.HasPrefix(obs.Metrics.Path, "/") {
			v.addError("observability.metrics.path", "path must start with '/'")
		}
	}

	if obs.Tracing.Enabled {
		if obs.Tracing.SamplingRate < 0 || obs.Tracing.SamplingRate > 1 {
			v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
		}
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
