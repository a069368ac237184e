package backend

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Status represents the health status of an endpoint.
type Status int32

const (
	// StatusHealthy indicates the endpoint is in rotation.
	StatusHealthy Status = iota
	// StatusUnhealthy indicates the endpoint is out of rotation.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Endpoint is one backend base URL the gateway can route to. The address
// never changes after construction. The status is written only by Pool
// transitions; the remaining fields are bookkeeping for observability and
// never influence selection.
type Endpoint struct {
	Address string

	target              *url.URL
	status              atomic.Int32
	lastTransition      atomic.Int64
	lastChecked         atomic.Int64
	consecutiveFailures atomic.Int64
	lastError           atomic.Pointer[string]
}

// NewEndpoint parses address as an http or https base URL and returns a
// healthy endpoint. A trailing slash is dropped.
func NewEndpoint(address string) (*Endpoint, error) {
	address = strings.TrimRight(address, "/")

	target, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint address %q: %w", address, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint address %q: scheme must be http or https", address)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("invalid endpoint address %q: missing host", address)
	}

	e := &Endpoint{
		Address: address,
		target:  target,
	}
	e.status.Store(int32(StatusHealthy))
	return e, nil
}

// URL returns the parsed base URL. Callers must not modify it.
func (e *Endpoint) URL() *url.URL {
	return e.target
}

// Host returns the host:port part of the address.
func (e *Endpoint) Host() string {
	return e.target.Host
}

// Status returns the current status.
func (e *Endpoint) Status() Status {
	return Status(e.status.Load())
}

// IsHealthy returns true if the endpoint is in rotation.
func (e *Endpoint) IsHealthy() bool {
	return e.Status() == StatusHealthy
}

func (e *Endpoint) setStatus(s Status, now time.Time) {
	e.status.Store(int32(s))
	e.lastTransition.Store(now.UnixNano())
}

// recordCheck stores the outcome of a probe or forwarding attempt.
func (e *Endpoint) recordCheck(err error, now time.Time) {
	e.lastChecked.Store(now.UnixNano())
	if err == nil {
		e.consecutiveFailures.Store(0)
		e.lastError.Store(nil)
		return
	}
	e.consecutiveFailures.Add(1)
	msg := err.Error()
	e.lastError.Store(&msg)
}

// LastError returns the message of the most recent failed check, or "".
func (e *Endpoint) LastError() string {
	if p := e.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// ConsecutiveFailures returns the number of failed checks since the last
// successful one.
func (e *Endpoint) ConsecutiveFailures() int64 {
	return e.consecutiveFailures.Load()
}

// LastChecked returns when the endpoint was last probed, or zero.
func (e *Endpoint) LastChecked() time.Time {
	return unixNanoTime(e.lastChecked.Load())
}

// LastTransition returns when the status last changed, or zero.
func (e *Endpoint) LastTransition() time.Time {
	return unixNanoTime(e.lastTransition.Load())
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Address             string     `json:"address"`
	Status              string     `json:"status"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastTransition      *time.Time `json:"last_transition,omitempty"`
}

func (e *Endpoint) snapshot() EndpointStatus {
	st := e.Status()
	s := EndpointStatus{
		Address:             e.Address,
		Status:              st.String(),
		Healthy:             st == StatusHealthy,
		ConsecutiveFailures: e.ConsecutiveFailures(),
		LastError:           e.LastError(),
	}
	if t := e.LastChecked(); !t.IsZero() {
		s.LastChecked = &t
	}
	if t := e.LastTransition(); !t.IsZero() {
		s.LastTransition = &t
	}
	return s
}
