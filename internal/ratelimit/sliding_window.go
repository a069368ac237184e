package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avalb/internal/observability"
)

// Clock returns the current time.
type Clock func() time.Time

// LimiterMetrics receives limiter bookkeeping updates.
type LimiterMetrics interface {
	SetTrackedClients(n int)
	RecordEvictions(n int)
}

// SlidingWindowLimiter implements a sliding log limiter. Each identity owns
// its window and its own lock, so different identities never contend while
// prune, check, and record for one identity happen atomically.
type SlidingWindowLimiter struct {
	maxRequests   int
	window        time.Duration
	sweepInterval time.Duration
	clock         Clock
	logger        observability.Logger
	metrics       LimiterMetrics

	windows sync.Map // string -> *windowState
	clients atomic.Int64

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// windowState holds admitted request timestamps in arrival order.
type windowState struct {
	mu       sync.Mutex
	requests []time.Time
	// evicted is set by Sweep once the state is unlinked from the map.
	// Writers that lose the race retry on a fresh state.
	evicted bool
}

// SlidingWindowOption is a functional option for configuring the limiter.
type SlidingWindowOption func(*SlidingWindowLimiter)

// WithClock sets the time source.
func WithClock(clock Clock) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLimiterLogger sets the logger for the limiter.
func WithLimiterLogger(logger observability.Logger) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.logger = logger
	}
}

// WithLimiterMetrics sets the metrics sink for the limiter.
func WithLimiterMetrics(m LimiterMetrics) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.metrics = m
	}
}

// WithSweepInterval sets how often idle identities are evicted.
func WithSweepInterval(d time.Duration) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// NewSlidingWindowLimiter creates a limiter admitting at most maxRequests
// per window for every identity. Non-positive values fall back to the
// defaults.
func NewSlidingWindowLimiter(
	maxRequests int,
	window time.Duration,
	opts ...SlidingWindowOption,
) *SlidingWindowLimiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}

	l := &SlidingWindowLimiter{
		maxRequests:   maxRequests,
		window:        window,
		sweepInterval: DefaultSweepInterval,
		clock:         time.Now,
		logger:        observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(_ context.Context, key string) (*Result, error) {
	for {
		ws := l.getOrCreateWindowState(key)

		ws.mu.Lock()
		if ws.evicted {
			ws.mu.Unlock()
			continue
		}

		now := l.clock()
		l.prune(ws, now)

		allowed := len(ws.requests) < l.maxRequests
		if allowed {
			ws.requests = append(ws.requests, now)
		}

		res := &Result{
			Allowed:    allowed,
			Limit:      l.maxRequests,
			Remaining:  l.maxRequests - len(ws.requests),
			ResetAfter: l.resetAfter(ws, now),
		}
		if !allowed {
			res.RetryAfter = l.retryAfter(ws, now)
		}
		ws.mu.Unlock()

		return res, nil
	}
}

// IsAllowed records and admits a request for key, or rejects it.
func (l *SlidingWindowLimiter) IsAllowed(key string) bool {
	res, _ := l.Allow(context.Background(), key)
	return res.Allowed
}

// Remaining returns how many more requests key may make right now.
// Unknown identities get the full budget and no state is created.
func (l *SlidingWindowLimiter) Remaining(key string) int {
	remaining := l.maxRequests
	l.withExisting(key, func(ws *windowState, _ time.Time) {
		remaining = l.maxRequests - len(ws.requests)
	})
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetIn returns the time until the oldest recorded request for key leaves
// the window, or zero when nothing is recorded.
func (l *SlidingWindowLimiter) ResetIn(key string) time.Duration {
	var d time.Duration
	l.withExisting(key, func(ws *windowState, now time.Time) {
		d = l.resetAfter(ws, now)
	})
	return d
}

// GetLimit implements Limiter.
func (l *SlidingWindowLimiter) GetLimit() *Limit {
	return &Limit{
		Requests: l.maxRequests,
		Window:   l.window,
	}
}

// Clients returns the number of tracked identities.
func (l *SlidingWindowLimiter) Clients() int {
	return int(l.clients.Load())
}

// withExisting runs fn on the pruned state for key, if there is one.
func (l *SlidingWindowLimiter) withExisting(key string, fn func(ws *windowState, now time.Time)) {
	value, ok := l.windows.Load(key)
	if !ok {
		return
	}
	ws := value.(*windowState)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.evicted {
		return
	}

	now := l.clock()
	l.prune(ws, now)
	fn(ws, now)
}

// getOrCreateWindowState retrieves or creates a window state for the given key.
func (l *SlidingWindowLimiter) getOrCreateWindowState(key string) *windowState {
	if value, ok := l.windows.Load(key); ok {
		return value.(*windowState)
	}
	value, loaded := l.windows.LoadOrStore(key, &windowState{})
	if !loaded {
		l.clients.Add(1)
	}
	return value.(*windowState)
}

// prune drops timestamps that are a full window old or older.
func (l *SlidingWindowLimiter) prune(ws *windowState, now time.Time) {
	i := 0
	for i < len(ws.requests) && now.Sub(ws.requests[i]) >= l.window {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(ws.requests, ws.requests[i:])
	ws.requests = ws.requests[:n]
}

// resetAfter must be called with ws.mu held on a pruned state.
func (l *SlidingWindowLimiter) resetAfter(ws *windowState, now time.Time) time.Duration {
	if len(ws.requests) == 0 {
		return 0
	}
	d := ws.requests[0].Add(l.window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// retryAfter returns when enough timestamps expire to admit one request.
func (l *SlidingWindowLimiter) retryAfter(ws *windowState, now time.Time) time.Duration {
	excess := len(ws.requests) - l.maxRequests + 1
	if excess <= 0 || excess > len(ws.requests) {
		return 0
	}
	d := ws.requests[excess-1].Add(l.window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// Sweep evicts identities with no timestamps left inside the window and
// returns how many were removed.
func (l *SlidingWindowLimiter) Sweep() int {
	now := l.clock()
	evicted := 0

	l.windows.Range(func(key, value any) bool {
		ws := value.(*windowState)

		ws.mu.Lock()
		l.prune(ws, now)
		if len(ws.requests) == 0 && !ws.evicted {
			ws.evicted = true
			if l.windows.CompareAndDelete(key, ws) {
				l.clients.Add(-1)
				evicted++
			}
		}
		ws.mu.Unlock()

		return true
	})

	clients := l.Clients()
	if evicted > 0 {
		l.logger.Debug("evicted idle rate limit windows",
			observability.Int("removed", evicted),
			observability.Int("remaining", clients),
		)
	}
	if l.metrics != nil {
		l.metrics.RecordEvictions(evicted)
		l.metrics.SetTrackedClients(clients)
	}

	return evicted
}

// Start runs Sweep periodically until ctx is cancelled or Stop is called.
// A stopped sweeper can be started again.
func (l *SlidingWindowLimiter) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	stopCh := make(chan struct{})
	stoppedCh := make(chan struct{})
	l.stopCh = stopCh
	l.stoppedCh = stoppedCh
	l.mu.Unlock()

	go l.runSweeper(ctx, stopCh, stoppedCh)
}

// Stop stops the sweeper and waits for it to exit.
func (l *SlidingWindowLimiter) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh, stoppedCh := l.stopCh, l.stoppedCh
	l.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (l *SlidingWindowLimiter) runSweeper(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Compile-time interface assertion.
var _ Limiter = (*SlidingWindowLimiter)(nil)
