package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avalb/internal/observability"
)

// Health monitor default configuration constants.
const (
	// DefaultHealthCheckTimeout bounds a single probe.
	DefaultHealthCheckTimeout = 5 * time.Second

	// DefaultHealthCheckInterval is the pause between the end of one probe
	// round and the start of the next.
	DefaultHealthCheckInterval = 10 * time.Second

	// DefaultHealthCheckPath is the liveness path probed over HTTP.
	DefaultHealthCheckPath = "/health"

	// maxProbeBodyBytes caps how much of a probe response is drained.
	maxProbeBodyBytes = 64 << 10
)

// ProbeRecorder receives the outcome of every probe.
type ProbeRecorder interface {
	RecordProbe(backend string, healthy bool, duration time.Duration)
}

// HealthMonitor probes every endpoint of a Pool in rounds and feeds the
// outcomes back through Pool.MarkHealthy and Pool.MarkUnhealthy. Rounds
// never overlap: the interval is measured from the end of one round to the
// start of the next.
type HealthMonitor struct {
	pool        *Pool
	path        string
	interval    time.Duration
	timeout     time.Duration
	client      *http.Client
	logger      observability.Logger
	recorder    ProbeRecorder
	useGRPC     bool
	grpcService string
	grpcConns   map[string]*grpc.ClientConn
	grpcMu      sync.Mutex
	rounds      atomic.Uint64
	stopCh      chan struct{}
	stoppedCh   chan struct{}
	running     bool
	mu          sync.Mutex
}

// HealthMonitorOption is a functional option for configuring the monitor.
type HealthMonitorOption func(*HealthMonitor)

// WithHealthMonitorLogger sets the logger for the monitor.
func WithHealthMonitorLogger(logger observability.Logger) HealthMonitorOption {
	return func(hm *HealthMonitor) {
		hm.logger = logger
	}
}

// WithHealthMonitorClient sets the HTTP client used for probes.
func WithHealthMonitorClient(client *http.Client) HealthMonitorOption {
	return func(hm *HealthMonitor) {
		hm.client = client
	}
}

// WithProbeRecorder sets the sink for probe outcomes.
func WithProbeRecorder(r ProbeRecorder) HealthMonitorOption {
	return func(hm *HealthMonitor) {
		hm.recorder = r
	}
}

// WithHealthPath sets the liveness path probed over HTTP.
func WithHealthPath(path string) HealthMonitorOption {
	return func(hm *HealthMonitor) {
		if path != "" {
			hm.path = path
		}
	}
}

// WithHealthInterval sets the pause between probe rounds.
func WithHealthInterval(d time.Duration) HealthMonitorOption {
	return func(hm *HealthMonitor) {
		if d > 0 {
			hm.interval = d
		}
	}
}

// WithHealthTimeout sets the per-probe timeout.
func WithHealthTimeout(d time.Duration) HealthMonitorOption {
	return func(hm *HealthMonitor) {
		if d > 0 {
			hm.timeout = d
		}
	}
}

// WithGRPCHealthCheck switches probes to grpc.health.v1.Health/Check
// against the endpoint's host:port for the given service name.
func WithGRPCHealthCheck(service string) HealthMonitorOption {
	return func(hm *HealthMonitor) {
		hm.useGRPC = true
		hm.grpcService = service
	}
}

// NewHealthMonitor creates a monitor for pool.
func NewHealthMonitor(pool *Pool, opts ...HealthMonitorOption) *HealthMonitor {
	hm := &HealthMonitor{
		pool:      pool,
		path:      DefaultHealthCheckPath,
		interval:  DefaultHealthCheckInterval,
		timeout:   DefaultHealthCheckTimeout,
		logger:    observability.NopLogger(),
		grpcConns: make(map[string]*grpc.ClientConn),
	}

	for _, opt := range opts {
		opt(hm)
	}

	if hm.client == nil {
		hm.client = NewHTTPClient(NewTransport(DefaultTransportConfig()))
	}

	return hm
}

// Start runs the first probe round immediately and keeps probing in the
// background until ctx is cancelled or Stop is called. A stopped monitor
// can be started again.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.mu.Lock()
	if hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = true
	stopCh := make(chan struct{})
	stoppedCh := make(chan struct{})
	hm.stopCh = stopCh
	hm.stoppedCh = stoppedCh
	hm.mu.Unlock()

	hm.logger.Info("health monitor started",
		observability.Int("endpoints", hm.pool.Len()),
		observability.Duration("interval", hm.interval),
		observability.Duration("timeout", hm.timeout),
		observability.Bool("grpc", hm.useGRPC),
	)

	go hm.run(ctx, stopCh, stoppedCh)
}

// Stop stops the monitor and waits for the current round to finish.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	if !hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = false
	stopCh, stoppedCh := hm.stopCh, hm.stoppedCh
	hm.mu.Unlock()

	close(stopCh)
	<-stoppedCh
	hm.closeAllGRPCConns()

	hm.logger.Info("health monitor stopped")
}

// IsRunning returns true if the monitor is running.
func (hm *HealthMonitor) IsRunning() bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.running
}

// Rounds returns the number of completed probe rounds.
func (hm *HealthMonitor) Rounds() uint64 {
	return hm.rounds.Load()
}

// run is the main probe loop.
func (hm *HealthMonitor) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			hm.ProbeAll(ctx)
			timer.Reset(hm.interval)
		}
	}
}

// ProbeAll runs one probe round: every endpoint is probed concurrently and
// the call returns once all probes have finished and their outcomes have
// been applied to the pool.
func (hm *HealthMonitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, ep := range hm.pool.Endpoints() {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			hm.probeEndpoint(ctx, ep)
		}(ep)
	}

	wg.Wait()
	hm.rounds.Add(1)
}

// probeEndpoint probes one endpoint and applies the outcome. Outcomes of
// probes cut short by shutdown are discarded.
func (hm *HealthMonitor) probeEndpoint(ctx context.Context, ep *Endpoint) {
	if ctx.Err() != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	start := time.Now()
	var err error
	if hm.useGRPC {
		err = hm.probeGRPC(probeCtx, ep)
	} else {
		err = hm.probeHTTP(probeCtx, ep)
	}
	duration := time.Since(start)

	if ctx.Err() != nil {
		return
	}

	ep.recordCheck(err, time.Now())
	if hm.recorder != nil {
		hm.recorder.RecordProbe(ep.Address, err == nil, duration)
	}

	if err == nil {
		hm.pool.MarkHealthy(ep)
		return
	}

	hm.logger.Debug("health probe failed",
		observability.String("backend", ep.Address),
		observability.Duration("duration", duration),
		observability.Error(err),
	)
	hm.pool.MarkUnhealthy(ep)
}

// probeHTTP issues GET address+path; any 2xx status is healthy.
func (hm *HealthMonitor) probeHTTP(ctx context.Context, ep *Endpoint) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.Address+hm.path, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := hm.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyBytes))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// probeGRPC performs a native gRPC health check; only SERVING is healthy.
func (hm *HealthMonitor) probeGRPC(ctx context.Context, ep *Endpoint) error {
	addr := ep.Host()

	conn, err := hm.getGRPCConn(addr)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: hm.grpcService,
	})
	if err != nil {
		hm.closeGRPCConn(addr)
		return err
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

// getGRPCConn returns a pooled gRPC connection for the address.
func (hm *HealthMonitor) getGRPCConn(addr string) (*grpc.ClientConn, error) {
	hm.grpcMu.Lock()
	defer hm.grpcMu.Unlock()

	if conn, ok := hm.grpcConns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		hm.closeConnLocked(addr, conn)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	hm.grpcConns[addr] = conn
	return conn, nil
}

// closeGRPCConn closes and removes a pooled gRPC connection.
func (hm *HealthMonitor) closeGRPCConn(addr string) {
	hm.grpcMu.Lock()
	defer hm.grpcMu.Unlock()

	if conn, ok := hm.grpcConns[addr]; ok {
		hm.closeConnLocked(addr, conn)
	}
}

// closeAllGRPCConns closes all pooled gRPC connections.
func (hm *HealthMonitor) closeAllGRPCConns() {
	hm.grpcMu.Lock()
	defer hm.grpcMu.Unlock()

	for addr, conn := range hm.grpcConns {
		hm.closeConnLocked(addr, conn)
	}
}

// closeConnLocked must be called with grpcMu held.
func (hm *HealthMonitor) closeConnLocked(addr string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		hm.logger.Warn("failed to close gRPC connection",
			observability.String("addr", addr),
			observability.Error(err),
		)
	}
	delete(hm.grpcConns, addr)
}
