package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// GlobalLimiter caps the request rate of the whole gateway with a token
// bucket, independent of client identity.
type GlobalLimiter struct {
	limiter *rate.Limiter
	rps     float64
	burst   int
}

// NewGlobalLimiter creates a limiter refilling rps tokens per second with
// the given burst. A burst below one is raised to one.
func NewGlobalLimiter(rps float64, burst int) *GlobalLimiter {
	if burst < 1 {
		burst = 1
	}
	return &GlobalLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
	}
}

// Allow reports whether one more request may pass now.
func (g *GlobalLimiter) Allow() bool {
	return g.limiter.Allow()
}

// AllowAt reports whether one more request may pass at t.
func (g *GlobalLimiter) AllowAt(t time.Time) bool {
	return g.limiter.AllowN(t, 1)
}

// RetryAfter returns how long until a token is available at t, without
// consuming one.
func (g *GlobalLimiter) RetryAfter(t time.Time) time.Duration {
	r := g.limiter.ReserveN(t, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(t)
	r.CancelAt(t)
	return d
}

// RequestsPerSecond returns the refill rate.
func (g *GlobalLimiter) RequestsPerSecond() float64 {
	return g.rps
}

// Burst returns the bucket size.
func (g *GlobalLimiter) Burst() int {
	return g.burst
}
