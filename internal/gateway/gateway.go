package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/health"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/proxy"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Middleware is a net/http middleware.
type Middleware func(http.Handler) http.Handler

// Gateway serves the status routes and the proxied prefix on one listener.
type Gateway struct {
	config   *config.GatewayConfig
	logger   observability.Logger
	pool     *backend.Pool
	proxy    *proxy.Handler
	checker  *health.Checker
	metrics  *observability.Metrics
	limits   RateLimitView
	admit    Middleware
	outer    []Middleware
	engine   *gin.Engine
	handler  http.Handler
	listener *Listener
	state    atomic.Int32

	startTime       atomic.Int64
	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.shutdownTimeout = timeout
		}
	}
}

// WithMetrics enables per-route request metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithRateLimit installs admission control on the proxied prefix. view
// backs the /stats report and may be nil.
func WithRateLimit(view RateLimitView, admit Middleware) Option {
	return func(g *Gateway) {
		g.limits = view
		g.admit = admit
	}
}

// WithHealthChecker serves /ready and /live from checker.
func WithHealthChecker(checker *health.Checker) Option {
	return func(g *Gateway) {
		g.checker = checker
	}
}

// WithMiddleware wraps the whole engine. The first middleware is the
// outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(g *Gateway) {
		g.outer = append(g.outer, mw...)
	}
}

// New creates a gateway forwarding the configured prefix through fwd.
func New(cfg *config.GatewayConfig, pool *backend.Pool, fwd *proxy.Handler, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("endpoint pool is required")
	}
	if fwd == nil {
		return nil, fmt.Errorf("proxy handler is required")
	}

	g := &Gateway{
		config:          cfg,
		logger:          observability.NopLogger(),
		pool:            pool,
		proxy:           fwd,
		shutdownTimeout: config.DefaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.checker == nil {
		g.checker = health.NewChecker(cfg.Gateway.Version)
		g.checker.RegisterCheck("endpoints", health.EndpointsCheck(pool, 1))
	}

	g.state.Store(int32(StateStopped))
	g.engine = g.buildEngine()
	g.handler = chain(g.engine, g.outer)

	return g, nil
}

// Start binds the listener and begins serving.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	g.logger.Info("starting gateway",
		observability.String("name", g.config.Gateway.Name),
		observability.String("address", g.config.Listener.Address()),
	)

	listener, err := NewListener(g.config.Listener, g.handler, WithListenerLogger(g.logger))
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to create listener: %w", err)
	}
	if err := listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener: %w", err)
	}

	g.listener = listener
	g.startTime.Store(time.Now().UnixNano())
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("name", g.config.Gateway.Name),
		observability.String("address", listener.Addr()),
		observability.String("proxy_prefix", g.config.Proxy.Prefix),
	)

	return nil
}

// Stop drains in-flight requests and closes the listener.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.logger.Info("stopping gateway",
		observability.String("name", g.config.Gateway.Name),
	)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	err := g.listener.Stop(ctx)
	g.state.Store(int32(StateStopped))

	if err != nil {
		g.logger.Error("failed to stop listener", observability.Error(err))
		return err
	}

	g.logger.Info("gateway stopped",
		observability.String("name", g.config.Gateway.Name),
	)
	return nil
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	started := g.startTime.Load()
	if started == 0 || !g.IsRunning() {
		return 0
	}
	return time.Since(time.Unix(0, started))
}

// Addr returns the bound listener address, or "" when not running.
func (g *Gateway) Addr() string {
	if g.listener == nil || !g.IsRunning() {
		return ""
	}
	return g.listener.Addr()
}

// Engine returns the gin engine.
func (g *Gateway) Engine() *gin.Engine {
	return g.engine
}

// Handler returns the engine wrapped in the configured middleware.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// buildEngine registers the status routes and the proxied prefix.
func (g *Gateway) buildEngine() *gin.Engine {
	engine := gin.New()

	if g.metrics != nil {
		engine.Use(observability.MetricsMiddleware(g.metrics))
	}

	engine.GET("/", g.handleRoot)
	engine.GET("/health", g.handleHealth)
	engine.GET("/services", g.handleServices)
	engine.GET("/stats", g.handleStats)
	engine.GET("/ready", gin.WrapF(g.checker.ReadinessHandler()))
	engine.GET("/live", gin.WrapF(g.checker.LivenessHandler()))

	handlers := make([]gin.HandlerFunc, 0, 2)
	if g.admit != nil {
		handlers = append(handlers, wrapMiddleware(g.admit))
	}
	handlers = append(handlers, g.handleProxy)
	engine.Any(g.config.Proxy.Prefix+"/*path", handlers...)

	engine.NoRoute(g.handleNotFound)

	return engine
}

// handleProxy forwards everything after the prefix to the next endpoint.
func (g *Gateway) handleProxy(c *gin.Context) {
	g.proxy.Forward(c.Writer, c.Request, strings.TrimPrefix(c.Param("path"), "/"))
}

// wrapMiddleware runs a net/http middleware inside a gin chain. The chain
// is aborted when the middleware answers without calling its successor.
func wrapMiddleware(mw Middleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			c.Next()
		})
		mw(next).ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}

// chain applies mw so that mw[0] is outermost.
func chain(h http.Handler, mw []Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
