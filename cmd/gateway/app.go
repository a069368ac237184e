package main

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/gateway"
	"github.com/vyrodovalexey/avalb/internal/health"
	"github.com/vyrodovalexey/avalb/internal/middleware"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/proxy"
	"github.com/vyrodovalexey/avalb/internal/ratelimit"
)

// application holds all application components.
type application struct {
	config        *config.GatewayConfig
	gateway       *gateway.Gateway
	pool          *backend.Pool
	monitor       *backend.HealthMonitor
	limiter       *ratelimit.SlidingWindowLimiter
	stats         *ratelimit.RedisStatsRecorder
	healthChecker *health.Checker
	metrics       *observability.Metrics
	metricsServer *gateway.Listener
	tracer        *observability.Tracer
}

// newApplication builds every component from cfg. Nothing is started.
func newApplication(cfg *config.GatewayConfig, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics(cfg.Observability.Metrics.Namespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	pool, err := backend.NewPool(cfg.BackendAddresses(),
		backend.WithPoolLogger(logger),
		backend.WithTransitionHook(func(ep *backend.Endpoint, healthy bool, healthyCount int) {
			metrics.RecordBackendTransition(ep.Address, healthy, healthyCount)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint pool: %w", err)
	}
	for _, ep := range pool.Endpoints() {
		metrics.SetBackendHealth(ep.Address, ep.IsHealthy())
	}
	metrics.SetHealthyBackends(pool.HealthyCount())

	monitor := backend.NewHealthMonitor(pool, healthMonitorOptions(cfg, logger, metrics)...)

	healthChecker := health.NewChecker(cfg.Gateway.Version)
	healthChecker.RegisterCheck("endpoints", health.EndpointsCheck(pool, 1))
	healthChecker.RegisterCheck("health_monitor", health.RunningCheck(monitor))

	fwd := proxy.NewHandler(pool,
		proxy.WithLogger(logger),
		proxy.WithTimeout(cfg.Proxy.Timeout.Duration()),
		proxy.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
		proxy.WithMaxResponseBytes(cfg.Proxy.MaxResponseBytes),
		proxy.WithGatewayName(cfg.Gateway.Name),
		proxy.WithResultRecorder(metrics),
	)

	app := &application{
		config:        cfg,
		pool:          pool,
		monitor:       monitor,
		healthChecker: healthChecker,
		metrics:       metrics,
		tracer:        tracer,
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithShutdownTimeout(cfg.Listener.ShutdownTimeout.Duration()),
		gateway.WithMetrics(metrics),
		gateway.WithHealthChecker(healthChecker),
		gateway.WithMiddleware(buildMiddlewareChain(cfg, logger, tracer)...),
	}

	if cfg.RateLimit.Enabled {
		admit := app.initRateLimit(cfg, logger, metrics)
		gwOpts = append(gwOpts, gateway.WithRateLimit(app.limiter, admit))
	}

	gw, err := gateway.New(cfg, pool, fwd, gwOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	app.gateway = gw

	if cfg.Observability.Metrics.Enabled {
		app.metricsServer, err = newMetricsServer(cfg, metrics, healthChecker, logger)
		if err != nil {
			return nil, err
		}
	}

	return app, nil
}

// healthMonitorOptions maps the healthCheck section onto monitor options.
func healthMonitorOptions(
	cfg *config.GatewayConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
) []backend.HealthMonitorOption {
	hc := cfg.HealthCheck
	opts := []backend.HealthMonitorOption{
		backend.WithHealthMonitorLogger(logger),
		backend.WithProbeRecorder(metrics),
		backend.WithHealthPath(hc.Path),
		backend.WithHealthInterval(hc.Interval.Duration()),
		backend.WithHealthTimeout(hc.Timeout.Duration()),
	}
	if hc.Protocol == config.ProtocolGRPC {
		opts = append(opts, backend.WithGRPCHealthCheck(hc.GRPCService))
	}
	return opts
}

// initRateLimit creates the per-client limiter and its optional global
// ceiling and Redis statistics sink. A Redis outage at startup disables
// statistics only.
func (app *application) initRateLimit(
	cfg *config.GatewayConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
) gateway.Middleware {
	rl := cfg.RateLimit

	app.limiter = ratelimit.NewSlidingWindowLimiter(rl.MaxRequests, rl.Window.Duration(),
		ratelimit.WithLimiterLogger(logger),
		ratelimit.WithLimiterMetrics(metrics),
		ratelimit.WithSweepInterval(rl.SweepInterval.Duration()),
	)

	opts := []middleware.RateLimitOption{
		middleware.WithRateLimitLogger(logger),
		middleware.WithDecisionRecorder(metrics),
	}

	if rl.Global.Enabled {
		opts = append(opts, middleware.WithGlobalLimiter(
			ratelimit.NewGlobalLimiter(rl.Global.RequestsPerSecond, rl.Global.Burst)))
	}

	if rl.Stats.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), statsConnectTimeout)
		defer cancel()

		stats, err := ratelimit.NewRedisStatsRecorder(ctx, ratelimit.RedisStatsConfig{
			Address:   rl.Stats.Address,
			Password:  rl.Stats.Password,
			DB:        rl.Stats.DB,
			KeyPrefix: rl.Stats.KeyPrefix,
			TTL:       rl.Stats.TTL.Duration(),
		})
		if err != nil {
			logger.Warn("rate limit statistics disabled", observability.Error(err))
		} else {
			app.stats = stats
			opts = append(opts, middleware.WithStatsRecorder(stats))
		}
	}

	return middleware.RateLimit(app.limiter, opts...)
}

// initTracer initializes the tracer.
func initTracer(cfg *config.GatewayConfig) (*observability.Tracer, error) {
	tc := cfg.Observability.Tracing
	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "avalb"
	}

	return observability.NewTracer(observability.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: cfg.Gateway.Version,
		OTLPEndpoint:   tc.OTLPEndpoint,
		SamplingRate:   tc.SamplingRate,
		Enabled:        tc.Enabled,
	})
}

// logBanner describes the running configuration.
func logBanner(cfg *config.GatewayConfig, logger observability.Logger) {
	logger.Info("gateway configuration",
		observability.String("name", cfg.Gateway.Name),
		observability.String("version", cfg.Gateway.Version),
		observability.String("address", cfg.Listener.Address()),
		observability.String("proxy_prefix", cfg.Proxy.Prefix),
		observability.Strings("backends", cfg.BackendAddresses()),
		observability.String("load_balancing", backend.AlgorithmRoundRobin),
	)

	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			observability.Int("max_requests", cfg.RateLimit.MaxRequests),
			observability.Duration("window", cfg.RateLimit.Window.Duration()),
			observability.Bool("global", cfg.RateLimit.Global.Enabled),
			observability.Bool("stats", cfg.RateLimit.Stats.Enabled),
		)
	} else {
		logger.Info("rate limiting disabled")
	}

	logger.Info("health checks enabled",
		observability.String("protocol", cfg.HealthCheck.Protocol),
		observability.String("path", cfg.HealthCheck.Path),
		observability.Duration("interval", cfg.HealthCheck.Interval.Duration()),
		observability.Duration("timeout", cfg.HealthCheck.Timeout.Duration()),
	)
}
