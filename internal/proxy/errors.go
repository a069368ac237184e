package proxy

import (
	"errors"
	"fmt"
)

// Proxy operations reported in ProxyError.Op.
const (
	OpReadRequest    = "read_request"
	OpSelectEndpoint = "select_endpoint"
	OpForward        = "forward"
	OpReadResponse   = "read_response"
)

// Sentinel errors for proxy operations.
var (
	// ErrRequestTooLarge indicates that the inbound body exceeded the limit.
	ErrRequestTooLarge = errors.New("request body too large")

	// ErrResponseTooLarge indicates that a backend body exceeded the limit.
	ErrResponseTooLarge = errors.New("response body too large")
)

// ProxyError represents a proxy-related error with details.
type ProxyError struct {
	Op      string // Operation that failed
	Target  string // Endpoint address if applicable
	Message string // Human-readable message
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Target != "" {
		if e.Cause != nil {
			return fmt.Sprintf("proxy error [%s] target=%s: %s: %v", e.Op, e.Target, e.Message, e.Cause)
		}
		return fmt.Sprintf("proxy error [%s] target=%s: %s", e.Op, e.Target, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s]: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s]: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok || errors.Is(e.Cause, target)
}

// NewProxyError creates a new ProxyError.
func NewProxyError(op, target, message string, cause error) *ProxyError {
	return &ProxyError{
		Op:      op,
		Target:  target,
		Message: message,
		Cause:   cause,
	}
}
