// Package health provides liveness and readiness probe endpoints for the
// gateway process itself.
package health

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/avalb/internal/util"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the service is degraded but operational.
	StatusDegraded Status = "degraded"
)

// LivenessResponse represents the liveness check response.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check represents an individual health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func() Check

// Checker aggregates named readiness checks.
type Checker struct {
	version   string
	startTime time.Time
	checks    map[string]CheckFunc
	mu        sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a readiness check.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Names returns the registered check names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Liveness returns the liveness status; the process answering is enough.
func (c *Checker) Liveness() LivenessResponse {
	return LivenessResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}

// Readiness runs every check. Any unhealthy check makes the gateway
// unhealthy; otherwise any degraded check makes it degraded.
func (c *Checker) Readiness() ReadinessResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(c.checks)),
		Timestamp: time.Now().UTC(),
	}

	for name, checkFunc := range c.checks {
		check := checkFunc()
		response.Checks[name] = check

		switch {
		case check.Status == StatusUnhealthy:
			response.Status = StatusUnhealthy
		case check.Status == StatusDegraded && response.Status != StatusUnhealthy:
			response.Status = StatusDegraded
		}
	}

	return response
}

// LivenessHandler returns an HTTP handler for the liveness endpoint.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		util.WriteJSON(w, http.StatusOK, c.Liveness())
	}
}

// ReadinessHandler returns an HTTP handler for the readiness endpoint.
// It answers 503 when the gateway is unhealthy.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response := c.Readiness()

		statusCode := http.StatusOK
		if response.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		util.WriteJSON(w, statusCode, response)
	}
}

// EndpointCounter reports pool occupancy.
type EndpointCounter interface {
	HealthyCount() int
	Len() int
}

// EndpointsCheck is ready while at least minHealthy endpoints are in
// rotation, and degraded while some configured endpoints are out.
func EndpointsCheck(pool EndpointCounter, minHealthy int) CheckFunc {
	if minHealthy < 1 {
		minHealthy = 1
	}
	return func() Check {
		healthy, total := pool.HealthyCount(), pool.Len()
		msg := fmt.Sprintf("%d/%d endpoints healthy", healthy, total)

		switch {
		case healthy < minHealthy:
			return Check{Status: StatusUnhealthy, Message: msg}
		case healthy < total:
			return Check{Status: StatusDegraded, Message: msg}
		default:
			return Check{Status: StatusHealthy, Message: msg}
		}
	}
}

// Runner reports whether a background activity is running.
type Runner interface {
	IsRunning() bool
}

// RunningCheck is healthy while r is running.
func RunningCheck(r Runner) CheckFunc {
	return func() Check {
		if r.IsRunning() {
			return Check{Status: StatusHealthy}
		}
		return Check{Status: StatusUnhealthy, Message: "not running"}
	}
}
