// Package ratelimit provides per-client admission control for the gateway.
//
// The SlidingWindowLimiter keeps, for every client identity, the exact
// timestamps of admitted requests inside the trailing window. A request is
// admitted while fewer than MaxRequests timestamps remain after pruning.
// Rejected requests are never recorded.
//
// A GlobalLimiter can additionally cap the request rate of the whole
// gateway, and a StatsRecorder can export admission decisions to Redis.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request from a client identity is admitted.
type Limiter interface {
	// Allow records and admits a request for key, or rejects it.
	Allow(ctx context.Context, key string) (*Result, error)

	// GetLimit returns the limit configuration.
	GetLimit() *Limit
}

// Limit represents rate limit configuration.
type Limit struct {
	// Requests is the maximum number of requests allowed in the window.
	Requests int

	// Window is the time window for the rate limit.
	Window time.Duration
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the oldest recorded request leaves
	// the window. Zero when nothing is recorded.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// Default limiter configuration.
const (
	DefaultMaxRequests   = 5
	DefaultWindow        = 60 * time.Second
	DefaultSweepInterval = 60 * time.Second
)
