package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/util"
)

// Response headers added to every relayed backend response.
const (
	HeaderGateway        = "X-Gateway"
	HeaderBackendService = "X-Backend-Service"
	HeaderLoadBalancer   = "X-Load-Balancer"
)

// Default handler configuration.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultGatewayName      = "API Gateway"
	DefaultMaxResponseBytes = 32 << 20
)

// rateLimitHeaderPrefix is the canonical prefix of the admission headers.
// Backend values are dropped when the gateway already set its own.
const rateLimitHeaderPrefix = "X-Ratelimit-"

// ResultRecorder receives the outcome of every forwarding attempt.
type ResultRecorder interface {
	RecordProxyResult(backend, result string, duration time.Duration)
}

// Handler forwards requests to the next healthy endpoint of a pool. A
// transport failure removes the endpoint from rotation and is answered with
// 503; backend responses of any status are relayed unchanged. The backend
// body is read in full within the request timeout before anything is
// written, so a truncated or stalled response counts as a transport
// failure. There are no retries.
type Handler struct {
	pool             *backend.Pool
	transport        http.RoundTripper
	timeout          time.Duration
	maxBodyBytes     int64
	maxResponseBytes int64
	gatewayName      string
	logger           observability.Logger
	recorder         ResultRecorder
}

// HandlerOption is a functional option for configuring the handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTransport sets the transport used to reach backends.
func WithTransport(transport http.RoundTripper) HandlerOption {
	return func(h *Handler) {
		h.transport = transport
	}
}

// WithTimeout bounds each forwarded request, including the response body.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMaxBodyBytes limits the size of inbound request bodies. Zero disables
// the limit.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxBodyBytes = n
	}
}

// WithMaxResponseBytes limits the size of backend response bodies. Zero
// disables the limit.
func WithMaxResponseBytes(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxResponseBytes = n
	}
}

// WithGatewayName sets the value of the X-Gateway response header.
func WithGatewayName(name string) HandlerOption {
	return func(h *Handler) {
		if name != "" {
			h.gatewayName = name
		}
	}
}

// WithResultRecorder sets the sink for forwarding outcomes.
func WithResultRecorder(r ResultRecorder) HandlerOption {
	return func(h *Handler) {
		h.recorder = r
	}
}

// NewHandler creates a handler over pool.
func NewHandler(pool *backend.Pool, opts ...HandlerOption) *Handler {
	h := &Handler{
		pool:             pool,
		timeout:          DefaultTimeout,
		maxResponseBytes: DefaultMaxResponseBytes,
		gatewayName:      DefaultGatewayName,
		logger:           observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.transport == nil {
		h.transport = backend.NewTransport(backend.DefaultTransportConfig())
	}

	return h
}

// ServeHTTP forwards r using its full URL path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Forward(w, r, r.URL.Path)
}

// Forward sends r to endpoint address + "/" + path and relays the outcome.
// path is the decoded remainder of r.URL.Path after the route prefix.
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request, path string) {
	start := time.Now()

	if h.maxBodyBytes > 0 && r.ContentLength > h.maxBodyBytes {
		h.rejectTooLarge(w, r, "", h.maxBodyBytes, start)
		return
	}

	ep, err := h.pool.Next()
	if err != nil {
		h.record("", observability.ProxyResultNoEndpoint, 0)
		h.logger.Warn("no healthy backend available",
			observability.String("path", r.URL.Path),
			observability.String("method", r.Method),
			observability.Error(NewProxyError(OpSelectEndpoint, "", "no endpoint selected", err)),
		)
		util.WriteError(w, http.StatusServiceUnavailable,
			util.NewErrorResponse(util.CategoryNoHealthyEndpoints, "No healthy backend services available"))
		return
	}

	target := buildTargetURL(ep, path, r.URL.EscapedPath())

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out := r.WithContext(ctx)
	if h.maxBodyBytes > 0 && r.Body != nil && r.Body != http.NoBody {
		out.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	relayed := false
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			h.director(req, target, r)
		},
		Transport: h.transport,
		ModifyResponse: func(resp *http.Response) error {
			if err := h.bufferBody(resp, ep); err != nil {
				return err
			}
			h.decorate(w.Header(), resp.Header, ep)
			relayed = true
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			h.handleForwardError(w, r, ep, err, start)
		},
	}

	rp.ServeHTTP(w, out)

	if relayed {
		h.record(ep.Address, observability.ProxyResultSuccess, time.Since(start))
	}
}

// buildTargetURL joins the endpoint base URL and path. The inbound escaping
// of path is kept, so encoded reserved characters reach the backend as sent.
func buildTargetURL(ep *backend.Endpoint, path, escapedPath string) *url.URL {
	base := ep.URL()
	path = strings.TrimPrefix(path, "/")

	target := &url.URL{
		Scheme: base.Scheme,
		Host:   base.Host,
		Path:   strings.TrimSuffix(base.Path, "/") + "/" + path,
	}
	if raw, ok := escapedSuffix(escapedPath, path); ok {
		target.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + "/" + raw
	}
	return target
}

// escapedSuffix returns the trailing segments of escaped that decode to path.
func escapedSuffix(escaped, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	for i := len(escaped) - 1; i >= 0; i-- {
		if escaped[i] != '/' {
			continue
		}
		suffix := escaped[i+1:]
		if len(suffix) < len(path) {
			continue
		}
		if decoded, err := url.PathUnescape(suffix); err == nil && decoded == path {
			return suffix, true
		}
	}
	return "", false
}

// director rewrites the outbound request toward target. The inbound Host
// is replaced by the endpoint's host; other headers pass through.
func (h *Handler) director(req *http.Request, target *url.URL, inbound *http.Request) {
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.URL.Path = target.Path
	req.URL.RawPath = target.RawPath
	req.URL.RawQuery = inbound.URL.RawQuery
	req.Host = target.Host

	if inbound.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", inbound.Host)

	if id := observability.RequestIDFromContext(inbound.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	observability.InjectTraceContext(req.Context(), req)
}

// bufferBody reads the backend body under the request deadline and swaps
// in the buffered copy.
func (h *Handler) bufferBody(resp *http.Response, ep *backend.Endpoint) error {
	if resp.StatusCode == http.StatusSwitchingProtocols || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}

	var reader io.Reader = resp.Body
	if h.maxResponseBytes > 0 {
		reader = io.LimitReader(resp.Body, h.maxResponseBytes+1)
	}
	body, err := io.ReadAll(reader)
	_ = resp.Body.Close()
	if err != nil {
		return NewProxyError(OpReadResponse, ep.Address, "failed to read backend response", err)
	}
	if h.maxResponseBytes > 0 && int64(len(body)) > h.maxResponseBytes {
		return NewProxyError(OpReadResponse, ep.Address,
			fmt.Sprintf("response body exceeds %d bytes", h.maxResponseBytes), ErrResponseTooLarge)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	if resp.ContentLength < 0 && len(resp.Trailer) == 0 {
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return nil
}

// decorate adds the gateway headers to a relayed response. Backend
// X-RateLimit-* values are dropped where the gateway has set its own.
func (h *Handler) decorate(gateway, header http.Header, ep *backend.Endpoint) {
	for key := range header {
		if _, set := gateway[key]; set && strings.HasPrefix(key, rateLimitHeaderPrefix) {
			header.Del(key)
		}
	}

	header.Set(HeaderGateway, h.gatewayName)
	header.Set(HeaderBackendService, ep.Address)
	header.Set(HeaderLoadBalancer, backend.AlgorithmRoundRobin)
}

// handleForwardError maps a failed round trip to a gateway response.
func (h *Handler) handleForwardError(
	w http.ResponseWriter,
	inbound *http.Request,
	ep *backend.Endpoint,
	err error,
	start time.Time,
) {
	duration := time.Since(start)

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		h.rejectTooLarge(w, inbound, ep.Address, maxErr.Limit, start)
		return
	}

	if errors.Is(err, ErrResponseTooLarge) {
		h.handleInternalError(w, inbound, ep, err, start)
		return
	}

	// The caller went away; the endpoint is not at fault.
	if inbound.Context().Err() != nil {
		h.record(ep.Address, observability.ProxyResultClientGone, duration)
		h.logger.Debug("client cancelled request",
			observability.String("backend", ep.Address),
			observability.String("path", inbound.URL.Path),
		)
		util.WriteError(w, http.StatusServiceUnavailable, backendUnavailable(ep, err))
		return
	}

	var proxyErr *ProxyError
	if !errors.As(err, &proxyErr) {
		proxyErr = NewProxyError(OpForward, ep.Address, "round trip failed", err)
	}

	berr := util.NewBackendErrorWithCause(ep.Address, "forward failed", proxyErr)
	demoted := h.pool.ReportFailure(ep, berr)
	h.record(ep.Address, observability.ProxyResultTransportError, duration)
	h.logger.Warn("backend request failed",
		observability.String("backend", ep.Address),
		observability.String("method", inbound.Method),
		observability.String("path", inbound.URL.Path),
		observability.String("op", proxyErr.Op),
		observability.Duration("duration", duration),
		observability.Bool("demoted", demoted),
		observability.Error(berr),
	)

	util.WriteError(w, http.StatusServiceUnavailable, backendUnavailable(ep, err))
}

// rejectTooLarge answers 413 for an inbound body over limit. target is
// empty when the request was rejected before an endpoint was selected.
func (h *Handler) rejectTooLarge(w http.ResponseWriter, r *http.Request, target string, limit int64, start time.Time) {
	err := NewProxyError(OpReadRequest, target,
		fmt.Sprintf("request body exceeds %d bytes", limit), ErrRequestTooLarge)

	h.record(target, observability.ProxyResultBodyTooLarge, time.Since(start))
	h.logger.Info("request body too large",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Int64("content_length", r.ContentLength),
		observability.Error(err),
	)
	util.WriteError(w, http.StatusRequestEntityTooLarge, tooLarge(limit))
}

func (h *Handler) handleInternalError(
	w http.ResponseWriter,
	r *http.Request,
	ep *backend.Endpoint,
	err error,
	start time.Time,
) {
	h.record(ep.Address, observability.ProxyResultInternalError, time.Since(start))
	h.logger.Error("proxy error",
		observability.String("backend", ep.Address),
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(err),
	)
	message := err.Error()
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		message = proxyErr.Message
	}
	util.WriteError(w, http.StatusInternalServerError,
		util.NewErrorResponse(util.CategoryInternalError, message))
}

func tooLarge(limit int64) *util.ErrorResponse {
	return util.NewErrorResponse(util.CategoryRequestTooLarge,
		fmt.Sprintf("Request body exceeds %d bytes", limit))
}

func backendUnavailable(ep *backend.Endpoint, err error) *util.ErrorResponse {
	resp := util.NewErrorResponse(util.CategoryBackendUnavailable,
		"Failed to connect to backend service: "+ep.Address)
	resp.Backend = ep.Address
	resp.Details = describeTransportError(err)
	return resp
}

// describeTransportError returns a short description of a round-trip error.
func describeTransportError(err error) string {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) && proxyErr.Cause != nil {
		return proxyErr.Message + ": " + describeTransportError(proxyErr.Cause)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "backend request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "backend request timed out"
	default:
		return err.Error()
	}
}

func (h *Handler) record(backend, result string, duration time.Duration) {
	if h.recorder != nil {
		h.recorder.RecordProxyResult(backend, result, duration)
	}
}
