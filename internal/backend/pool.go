package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/util"
)

// AlgorithmRoundRobin is the balancing algorithm name reported to clients.
const AlgorithmRoundRobin = "Round Robin"

// TransitionFunc is called after an endpoint enters or leaves rotation.
// healthyCount is the size of the healthy set right after the transition.
type TransitionFunc func(ep *Endpoint, healthy bool, healthyCount int)

// Pool holds the fixed set of configured endpoints and the ordered subset
// currently in rotation. One lock guards the healthy set and the cursor so
// that selection and health transitions never interleave partially.
//
// Recovered endpoints are appended to the end of the rotation rather than
// restored to their configured slot.
type Pool struct {
	mu      sync.RWMutex
	all     []*Endpoint
	byAddr  map[string]*Endpoint
	healthy []*Endpoint
	cursor  uint64

	onTransition TransitionFunc
	logger       observability.Logger
	now          func() time.Time
}

// PoolOption is a functional option for configuring the pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger for the pool.
func WithPoolLogger(logger observability.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithTransitionHook sets a callback for health transitions. The hook runs
// while the pool is locked and must not call back into the pool.
func WithTransitionHook(fn TransitionFunc) PoolOption {
	return func(p *Pool) {
		p.onTransition = fn
	}
}

// NewPool creates a pool over addresses in the given order. All endpoints
// start healthy. Addresses must be unique.
func NewPool(addresses []string, opts ...PoolOption) (*Pool, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("pool requires at least one endpoint")
	}

	p := &Pool{
		all:    make([]*Endpoint, 0, len(addresses)),
		byAddr: make(map[string]*Endpoint, len(addresses)),
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, addr := range addresses {
		ep, err := NewEndpoint(addr)
		if err != nil {
			return nil, err
		}
		if _, dup := p.byAddr[ep.Address]; dup {
			return nil, fmt.Errorf("duplicate endpoint address %q", ep.Address)
		}
		p.all = append(p.all, ep)
		p.byAddr[ep.Address] = ep
	}

	p.healthy = make([]*Endpoint, len(p.all))
	copy(p.healthy, p.all)

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Next returns the endpoint at the cursor position in the healthy set and
// advances the cursor. It returns util.ErrNoHealthyEndpoints when nothing
// is in rotation.
func (p *Pool) Next() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.healthy) == 0 {
		return nil, util.ErrNoHealthyEndpoints
	}

	ep := p.healthy[p.cursor%uint64(len(p.healthy))]
	p.cursor++
	return ep, nil
}

// MarkUnhealthy removes ep from rotation. It reports whether a transition
// happened; marking an endpoint that is already out of rotation, or one
// that does not belong to the pool, is a no-op.
func (p *Pool) MarkUnhealthy(ep *Endpoint) bool {
	p.mu.Lock()
	idx := p.healthyIndex(ep)
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	p.healthy = append(p.healthy[:idx], p.healthy[idx+1:]...)
	ep.setStatus(StatusUnhealthy, p.now())
	count := len(p.healthy)
	p.notify(ep, false, count)
	p.mu.Unlock()

	p.logger.Warn("backend removed from rotation",
		observability.String("backend", ep.Address),
		observability.Int("healthy", count),
		observability.Int("total", len(p.all)),
	)
	return true
}

// MarkHealthy returns ep to rotation at the end of the healthy set. It
// reports whether a transition happened; an endpoint already in rotation,
// or one that does not belong to the pool, is left alone.
func (p *Pool) MarkHealthy(ep *Endpoint) bool {
	p.mu.Lock()
	if p.byAddr[ep.Address] != ep || p.healthyIndex(ep) >= 0 {
		p.mu.Unlock()
		return false
	}
	p.healthy = append(p.healthy, ep)
	ep.setStatus(StatusHealthy, p.now())
	count := len(p.healthy)
	p.notify(ep, true, count)
	p.mu.Unlock()

	p.logger.Info("backend returned to rotation",
		observability.String("backend", ep.Address),
		observability.Int("healthy", count),
		observability.Int("total", len(p.all)),
	)
	return true
}

// ReportFailure records a failed forwarding attempt against ep and removes
// it from rotation. It reports whether a transition happened.
func (p *Pool) ReportFailure(ep *Endpoint, err error) bool {
	ep.recordCheck(err, p.now())
	return p.MarkUnhealthy(ep)
}

// healthyIndex returns the position of ep in the healthy set or -1.
// Callers must hold p.mu.
func (p *Pool) healthyIndex(ep *Endpoint) int {
	for i, h := range p.healthy {
		if h == ep {
			return i
		}
	}
	return -1
}

// notify runs the transition hook. Callers must hold p.mu so hooks observe
// transitions in order.
func (p *Pool) notify(ep *Endpoint, healthy bool, count int) {
	if p.onTransition != nil {
		p.onTransition(ep, healthy, count)
	}
}

// Lookup returns the endpoint with the given address.
func (p *Pool) Lookup(address string) (*Endpoint, bool) {
	ep, ok := p.byAddr[address]
	return ep, ok
}

// Endpoints returns all endpoints in configured order.
func (p *Pool) Endpoints() []*Endpoint {
	out := make([]*Endpoint, len(p.all))
	copy(out, p.all)
	return out
}

// Len returns the number of configured endpoints.
func (p *Pool) Len() int {
	return len(p.all)
}

// Cursor returns the number of selections made so far.
func (p *Pool) Cursor() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}

// HealthyCount returns the number of endpoints in rotation.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.healthy)
}

// Snapshot is a read-only view of the pool.
type Snapshot struct {
	Total     int              `json:"total"`
	Healthy   int              `json:"healthy"`
	Cursor    uint64           `json:"current_index"`
	Rotation  []string         `json:"rotation"`
	Endpoints []EndpointStatus `json:"services"`
}

// Status returns a consistent snapshot of the pool without mutating it.
// Endpoints are listed in configured order; Rotation lists the healthy set
// in selection order.
func (p *Pool) Status() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		Total:     len(p.all),
		Healthy:   len(p.healthy),
		Cursor:    p.cursor,
		Rotation:  make([]string, 0, len(p.healthy)),
		Endpoints: make([]EndpointStatus, 0, len(p.all)),
	}
	for _, ep := range p.healthy {
		s.Rotation = append(s.Rotation, ep.Address)
	}
	for _, ep := range p.all {
		s.Endpoints = append(s.Endpoints, ep.snapshot())
	}
	return s
}
