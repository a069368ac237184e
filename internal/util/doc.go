// Package util provides utility functions and types for the gateway.
//
// This package contains shared utilities used across the gateway
// including context helpers, error types, JSON error envelopes, HTTP
// utilities, and validation functions.
//
// # Error Types
//
// Structured error types for consistent error handling:
//
//   - ConfigError: configuration validation errors
//   - BackendError: transport failures talking to a backend endpoint
//   - RateLimitError: rejected admissions
//   - Common sentinel errors: ErrNoHealthyEndpoints, ErrRateLimited, etc.
//
// # HTTP Utilities
//
// Every gateway-originated error is written as a JSON envelope:
//
//	util.WriteError(w, http.StatusServiceUnavailable,
//	    util.NewErrorResponse(util.CategoryNoHealthyEndpoints, "no backend available"))
//
// Response writer wrappers capture the status code:
//
//	w := util.NewStatusCapturingResponseWriter(responseWriter)
//	handler.ServeHTTP(w, r)
//	statusCode := w.StatusCode
package util
