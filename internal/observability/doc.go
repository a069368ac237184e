// Package observability provides logging, metrics, and tracing
// functionality for the gateway.
//
// # Logging
//
// The Logger interface provides structured logging over zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("backend marked unhealthy",
//	    observability.String("backend", "http://localhost:8002"),
//	)
//
// # Metrics
//
// Prometheus metrics for requests, backend health, probes, and
// rate-limit decisions, registered on a private registry:
//
//	metrics := observability.NewMetrics("gateway")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. Trace context is
// propagated to backends on every forwarded request.
package observability
