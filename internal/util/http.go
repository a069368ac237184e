package util

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error categories used in JSON error envelopes.
const (
	CategoryNoHealthyEndpoints = "no_healthy_endpoints"
	CategoryBackendUnavailable = "backend_unavailable"
	CategoryRateLimitExceeded  = "rate_limit_exceeded"
	CategoryInternalError      = "internal_error"
	CategoryOverloaded         = "gateway_overloaded"
	CategoryRequestTooLarge    = "request_too_large"
	CategoryNotFound           = "not_found"
)

// HeaderContentType is the Content-Type header name.
const HeaderContentType = "Content-Type"

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// ErrorResponse is the JSON body written for every gateway-originated error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Backend   string `json:"backend,omitempty"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewErrorResponse creates an ErrorResponse stamped with the current time.
func NewErrorResponse(category, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:     category,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse with the given status code.
func WriteError(w http.ResponseWriter, statusCode int, resp *ErrorResponse) {
	WriteJSON(w, statusCode, resp)
}

// StatusCapturingResponseWriter wraps http.ResponseWriter to track status code.
// It is used by middleware that needs to inspect the response status code
// after the handler has completed.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	BytesWritten  int
	HeaderWritten bool
}

// NewStatusCapturingResponseWriter creates a new StatusCapturingResponseWriter
// wrapping the provided http.ResponseWriter with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter and marks header as written.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.HeaderWritten = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += n
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Compile-time interface assertion.
var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)
