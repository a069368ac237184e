package main

import (
	"net/http"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/gateway"
	"github.com/vyrodovalexey/avalb/internal/health"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// newMetricsServer creates the listener serving Prometheus metrics and the
// process probes on the metrics port.
func newMetricsServer(
	cfg *config.GatewayConfig,
	metrics *observability.Metrics,
	healthChecker *health.Checker,
	logger observability.Logger,
) (*gateway.Listener, error) {
	mc := cfg.Observability.Metrics

	path := mc.Path
	if path == "" {
		path = config.DefaultMetricsPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	mux.HandleFunc("/ready", healthChecker.ReadinessHandler())
	mux.HandleFunc("/live", healthChecker.LivenessHandler())

	return gateway.NewListener(config.ListenerConfig{
		Bind: cfg.Listener.Bind,
		Port: mc.Port,
	}, mux, gateway.WithListenerLogger(logger.With(observability.String("server", "metrics"))))
}
