package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value used for requests that do not
// match any registered route, ensuring bounded cardinality.
const unmatchedRoute = "unmatched"

// Proxy result label values.
const (
	ProxyResultSuccess        = "success"
	ProxyResultTransportError = "transport_error"
	ProxyResultInternalError  = "internal_error"
	ProxyResultNoEndpoint     = "no_endpoint"
	ProxyResultClientGone     = "client_cancelled"
	ProxyResultBodyTooLarge   = "body_too_large"
)

// Rate-limit decision label values.
const (
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeRequests     prometheus.Gauge
	backendHealth      *prometheus.GaugeVec
	healthyBackends    prometheus.Gauge
	backendTransitions *prometheus.CounterVec
	proxyRequests      *prometheus.CounterVec
	proxyDuration      *prometheus.HistogramVec
	probesTotal        *prometheus.CounterVec
	probeDuration      *prometheus.HistogramVec
	rateLimitDecisions *prometheus.CounterVec
	trackedClients     prometheus.Gauge
	evictedClients     prometheus.Counter
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help: "Backend health status " +
				"(1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	m.healthyBackends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_backends",
			Help:      "Number of backends currently in rotation",
		},
	)

	m.backendTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_transitions_total",
			Help:      "Total number of backend health transitions",
		},
		[]string{"backend", "to"},
	)

	m.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of forwarded requests by outcome",
		},
		[]string{"backend", "result"},
	)

	m.proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_duration_seconds",
			Help:      "Backend round-trip duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	m.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of health probes by outcome",
		},
		[]string{"backend", "result"},
	)

	m.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Health probe duration in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5},
		},
		[]string{"backend"},
	)

	m.rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Total number of admission decisions",
		},
		[]string{"decision"},
	)

	m.trackedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_tracked_clients",
			Help:      "Number of client identities holding a window",
		},
	)

	m.evictedClients = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_evicted_clients_total",
			Help:      "Total number of idle client windows evicted",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help: "Start time of the gateway " +
				"in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.backendHealth,
		m.healthyBackends,
		m.backendTransitions,
		m.proxyRequests,
		m.proxyDuration,
		m.probesTotal,
		m.probeDuration,
		m.rateLimitDecisions,
		m.trackedClients,
		m.evictedClients,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed HTTP request.
// The route parameter should be the matched route pattern,
// not the raw request path, to prevent cardinality explosion.
func (m *Metrics) RecordRequest(
	method, route string,
	status int,
	duration time.Duration,
) {
	statusStr := strconv.Itoa(status)

	m.requestsTotal.WithLabelValues(
		method, route, statusStr,
	).Inc()
	m.requestDuration.WithLabelValues(
		method, route, statusStr,
	).Observe(duration.Seconds())
}

// SetBackendHealth sets the backend health status.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(backend).Set(value)
}

// RecordBackendTransition records a health transition and the resulting
// size of the healthy set.
func (m *Metrics) RecordBackendTransition(backend string, healthy bool, healthyCount int) {
	to := "unhealthy"
	if healthy {
		to = "healthy"
	}
	m.SetBackendHealth(backend, healthy)
	m.backendTransitions.WithLabelValues(backend, to).Inc()
	m.healthyBackends.Set(float64(healthyCount))
}

// SetHealthyBackends sets the number of backends in rotation.
func (m *Metrics) SetHealthyBackends(n int) {
	m.healthyBackends.Set(float64(n))
}

// RecordProxyResult records the outcome of a forwarded request.
func (m *Metrics) RecordProxyResult(backend, result string, duration time.Duration) {
	m.proxyRequests.WithLabelValues(backend, result).Inc()
	if backend != "" {
		m.proxyDuration.WithLabelValues(backend).Observe(duration.Seconds())
	}
}

// RecordProbe records the outcome of one health probe.
func (m *Metrics) RecordProbe(backend string, healthy bool, duration time.Duration) {
	result := "failure"
	if healthy {
		result = "success"
	}
	m.probesTotal.WithLabelValues(backend, result).Inc()
	m.probeDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordRateLimitDecision records an admission decision.
// Client identities are not used as labels to keep cardinality bounded;
// they are logged instead.
func (m *Metrics) RecordRateLimitDecision(allowed bool) {
	decision := DecisionRejected
	if allowed {
		decision = DecisionAllowed
	}
	m.rateLimitDecisions.WithLabelValues(decision).Inc()
}

// SetTrackedClients sets the number of client identities holding a window.
func (m *Metrics) SetTrackedClients(n int) {
	m.trackedClients.Set(float64(n))
}

// RecordEvictions adds n evicted client windows.
func (m *Metrics) RecordEvictions(n int) {
	m.evictedClients.Add(float64(n))
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(
	version, commit, buildTime string,
) {
	m.buildInfo.WithLabelValues(
		version, commit, buildTime,
	).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware returns a gin middleware that records request metrics.
// The route label is the registered route pattern (c.FullPath), never the
// raw request path.
func MetricsMiddleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		metrics.activeRequests.Inc()
		c.Next()
		metrics.activeRequests.Dec()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}

		metrics.RecordRequest(
			c.Request.Method, route, c.Writer.Status(),
			time.Since(start),
		)
	}
}
