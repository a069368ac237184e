package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/util"
)

type recordedResult struct {
	backend string
	result  string
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []recordedResult
}

func (f *fakeRecorder) RecordProxyResult(backend, result string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, recordedResult{backend: backend, result: result})
}

func (f *fakeRecorder) last() recordedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return recordedResult{}
	}
	return f.results[len(f.results)-1]
}

// echoBackend answers with a JSON description of the request it received.
func echoBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", name)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"service":          name,
			"method":           r.Method,
			"path":             r.URL.Path,
			"query":            r.URL.RawQuery,
			"host":             r.Host,
			"body":             string(body),
			"custom":           r.Header.Get("X-Custom"),
			"forwarded_host":   r.Header.Get("X-Forwarded-Host"),
			"forwarded_for":    r.Header.Get("X-Forwarded-For"),
			"forwarded_proto":  r.Header.Get("X-Forwarded-Proto"),
			"request_id":       r.Header.Get("X-Request-ID"),
			"connection_token": r.Header.Get("X-Hop"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func closedAddress(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestPool(t *testing.T, addrs ...string) *backend.Pool {
	t.Helper()

	p, err := backend.NewPool(addrs)
	require.NoError(t, err)
	return p
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) util.ErrorResponse {
	t.Helper()

	var resp util.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandler_RelaysBackendResponse(t *testing.T) {
	t.Parallel()

	srv := echoBackend(t, "svc-a")
	pool := newTestPool(t, srv.URL)
	h := NewHandler(pool, WithGatewayName("Test Gateway"))

	req := httptest.NewRequest(http.MethodPost, "http://gateway.local/api/users/42?page=2&sort=asc",
		strings.NewReader(`{"name":"x"}`))
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "dropped")
	ctx := observability.ContextWithRequestID(req.Context(), "req-123")
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	h.Forward(rec, req, "/users/42")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Test Gateway", rec.Header().Get(HeaderGateway))
	assert.Equal(t, srv.URL, rec.Header().Get(HeaderBackendService))
	assert.Equal(t, "Round Robin", rec.Header().Get(HeaderLoadBalancer))
	assert.Equal(t, "svc-a", rec.Header().Get("X-Upstream"))

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, http.MethodPost, got["method"])
	assert.Equal(t, "/users/42", got["path"])
	assert.Equal(t, "page=2&sort=asc", got["query"])
	assert.Equal(t, strings.TrimPrefix(srv.URL, "http://"), got["host"])
	assert.Equal(t, `{"name":"x"}`, got["body"])
	assert.Equal(t, "kept", got["custom"])
	assert.Equal(t, "gateway.local", got["forwarded_host"])
	assert.Equal(t, "http", got["forwarded_proto"])
	assert.Equal(t, "192.0.2.1", got["forwarded_for"])
	assert.Equal(t, "req-123", got["request_id"])
	assert.Empty(t, got["connection_token"], "hop-by-hop headers are not forwarded")
}

func TestHandler_RelaysNonSuccessWithoutDemotion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom, not json")
	}))
	t.Cleanup(srv.Close)

	pool := newTestPool(t, srv.URL)
	rec := &fakeRecorder{}
	h := NewHandler(pool, WithResultRecorder(rec))

	w := httptest.NewRecorder()
	h.Forward(w, httptest.NewRequest(http.MethodGet, "/api/x", nil), "x")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "boom, not json", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, 1, pool.HealthyCount())
	assert.Equal(t, recordedResult{backend: srv.URL, result: observability.ProxyResultSuccess}, rec.last())
}

func TestHandler_NoHealthyEndpoints(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	pool := newTestPool(t, srv.URL)
	ep, _ := pool.Lookup(srv.URL)
	pool.MarkUnhealthy(ep)

	rec := &fakeRecorder{}
	h := NewHandler(pool, WithResultRecorder(rec))

	w := httptest.NewRecorder()
	h.Forward(w, httptest.NewRequest(http.MethodGet, "/api/x", nil), "x")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, util.CategoryNoHealthyEndpoints, resp.Error)
	assert.NotEmpty(t, resp.Timestamp)
	assert.Zero(t, hits)
	assert.Equal(t, observability.ProxyResultNoEndpoint, rec.last().result)
}

func TestHandler_TransportFailureDemotes(t *testing.T) {
	t.Parallel()

	dead := closedAddress(t)
	alive := echoBackend(t, "svc-b")
	pool := newTestPool(t, dead, alive.URL)
	rec := &fakeRecorder{}
	h := NewHandler(pool, WithResultRecorder(rec))

	w := httptest.NewRecorder()
	h.Forward(w, httptest.NewRequest(http.MethodGet, "/api/x", nil), "x")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, util.CategoryBackendUnavailable, resp.Error)
	assert.Equal(t, dead, resp.Backend)
	assert.Contains(t, resp.Message, dead)
	assert.NotEmpty(t, resp.Details)
	assert.Equal(t, observability.ProxyResultTransportError, rec.last().result)

	deadEp, _ := pool.Lookup(dead)
	assert.False(t, deadEp.IsHealthy())
	assert.NotEmpty(t, deadEp.LastError())
	assert.Equal(t, []string{alive.URL}, pool.Status().Rotation)

	w = httptest.NewRecorder()
	h.Forward(w, httptest.NewRequest(http.MethodGet, "/api/x", nil), "x")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, alive.URL, w.Header().Get(HeaderBackendService))
}

func TestHandler_TimeoutDemotes(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	pool := newTestPool(t, slow.URL)
	h := NewHandler(pool, WithTimeout(50*time.Millisecond))

	start := time.Now()
	w := httptest.NewRecorder()
	h.Forward(w, httptest.NewRequest(http.MethodGet, "/api/slow", nil), "slow")

	assert.Less(t, time.Since(start), time.Second)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "backend request timed out", resp.Details)
	assert.Equal(t, 0, pool.HealthyCount())
}

func TestHandler_ClientCancelDoesNotDemote(t *testing.T) {
	t.Parallel()

	srv := echoBackend(t, "svc")
	pool := newTestPool(t, srv.URL)
	rec := &fakeRecorder{}
	h := NewHandler(pool, WithResultRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil).WithContext(ctx)

	w := httptest.NewRecorder()
	h.Forward(w, req, "x")

	assert.Equal(t, 1, pool.HealthyCount())
	assert.Equal(t, observability.ProxyResultClientGone, rec.last().result)
}

func TestHandler_BodyTooLarge(t *testing.T) {
	t.Parallel()

	srv := echoBackend(t, "svc")
	pool := newTestPool(t, srv.URL)
	h := NewHandler(pool, WithMaxBodyBytes(4))

	w := httptest.NewRecorder()
	h.Forward(w, httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader("0123456789")), "x")

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, util.CategoryRequestTooLarge, decodeError(t, w).Error)
	assert.Equal(t, uint64(0), pool.Cursor(), "no endpoint selected")
}

func TestHandler_ServeHTTPUsesRequestPath(t *testing.T) {
	t.Parallel()

	srv := echoBackend(t, "svc")
	h := NewHandler(newTestPool(t, srv.URL))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/items/7", nil))

	require.Equal(t, http.StatusCreated, w.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "/items/7", got["path"])
	assert.Equal(t, http.MethodDelete, got["method"])
}

func TestHandler_RoundRobinAcrossBackends(t *testing.T) {
	t.Parallel()

	a := echoBackend(t, "a")
	b := echoBackend(t, "b")
	c := echoBackend(t, "c")
	h := NewHandler(newTestPool(t, a.URL, b.URL, c.URL))

	var got []string
	for i := 0; i < 6; i++ {
		w := httptest.NewRecorder()
		h.Forward(w, httptest.NewRequest(http.MethodGet, "/api/x", nil), "x")
		got = append(got, w.Header().Get(HeaderBackendService))
	}

	assert.Equal(t, []string{a.URL, b.URL, c.URL, a.URL, b.URL, c.URL}, got)
}

// gatewayServer serves h behind a real listener, routing "/api/*" like the
// gateway engine does.
func gatewayServer(t *testing.T, h *Handler, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Forward(w, r, strings.TrimPrefix(r.URL.Path, "/api/"))
	})
	if wrap != nil {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func getGateway(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestHandler_TruncatedResponseDemotes(t *testing.T) {
	t.Parallel()

	truncated := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 100\r\n\r\nhello")
		_ = buf.Flush()
	}))
	t.Cleanup(truncated.Close)
	alive := echoBackend(t, "svc-b")

	pool := newTestPool(t, truncated.URL, alive.URL)
	rec := &fakeRecorder{}
	srv := gatewayServer(t, NewHandler(pool, WithResultRecorder(rec)), nil)

	resp, body := getGateway(t, srv, "/api/x")

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var errResp util.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, util.CategoryBackendUnavailable, errResp.Error)
	assert.Equal(t, truncated.URL, errResp.Backend)
	assert.Contains(t, errResp.Details, "failed to read backend response")
	assert.Equal(t, observability.ProxyResultTransportError, rec.last().result)

	ep, _ := pool.Lookup(truncated.URL)
	assert.False(t, ep.IsHealthy())
	assert.Equal(t, []string{alive.URL}, pool.Status().Rotation)
}

func TestHandler_StalledBodyTimeoutDemotes(t *testing.T) {
	t.Parallel()

	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(stalled.Close)

	pool := newTestPool(t, stalled.URL)
	srv := gatewayServer(t, NewHandler(pool, WithTimeout(200*time.Millisecond)), nil)

	start := time.Now()
	resp, body := getGateway(t, srv, "/api/slow")

	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, string(body), `"x"`)
	assert.Equal(t, 0, pool.HealthyCount())
}

func TestHandler_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	t.Cleanup(big.Close)

	pool := newTestPool(t, big.URL)
	rec := &fakeRecorder{}
	srv := gatewayServer(t, NewHandler(pool, WithMaxResponseBytes(4), WithResultRecorder(rec)), nil)

	resp, body := getGateway(t, srv, "/api/x")

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var errResp util.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, util.CategoryInternalError, errResp.Error)
	assert.Equal(t, "response body exceeds 4 bytes", errResp.Message)
	assert.Equal(t, observability.ProxyResultInternalError, rec.last().result)
	assert.Equal(t, 1, pool.HealthyCount())
}

func TestHandler_BufferedChunkedResponse(t *testing.T) {
	t.Parallel()

	chunked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for _, part := range []string{"one ", "two ", "three"} {
			_, _ = w.Write([]byte(part))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(chunked.Close)

	srv := gatewayServer(t, NewHandler(newTestPool(t, chunked.URL)), nil)

	resp, body := getGateway(t, srv, "/api/stream")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "one two three", string(body))
	assert.Equal(t, int64(len("one two three")), resp.ContentLength)
}

func TestHandler_PreservesEncodedPath(t *testing.T) {
	t.Parallel()

	uri := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.RequestURI)
	}))
	t.Cleanup(uri.Close)

	pool := newTestPool(t, uri.URL)
	srv := gatewayServer(t, NewHandler(pool), nil)

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "plain", path: "/api/orders/7?q=1", want: "/orders/7?q=1"},
		{name: "percent", path: "/api/discount/100%25", want: "/discount/100%25"},
		{name: "question mark", path: "/api/files/a%3Fb?x=1", want: "/files/a%3Fb?x=1"},
		{name: "hash", path: "/api/files/a%23b", want: "/files/a%23b"},
		{name: "slash", path: "/api/files/a%2Fb", want: "/files/a%2Fb"},
		{name: "space", path: "/api/files/a%20b", want: "/files/a%20b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := getGateway(t, srv, tt.path)

			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.want, string(body))
		})
	}
	assert.Equal(t, 1, pool.HealthyCount())
}

func TestHandler_GatewayRateLimitHeadersWin(t *testing.T) {
	t.Parallel()

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "99")
		w.Header().Set("X-RateLimit-Policy", "backend")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(limited.Close)

	admit := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Limit", "5")
			w.Header().Set("X-RateLimit-Remaining", "4")
			next.ServeHTTP(w, r)
		})
	}
	srv := gatewayServer(t, NewHandler(newTestPool(t, limited.URL)), admit)

	resp, _ := getGateway(t, srv, "/api/x")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"5"}, resp.Header.Values("X-RateLimit-Limit"))
	assert.Equal(t, []string{"4"}, resp.Header.Values("X-RateLimit-Remaining"))
	assert.Equal(t, "backend", resp.Header.Get("X-RateLimit-Policy"))
}

func TestBuildTargetURL(t *testing.T) {
	t.Parallel()

	root, err := backend.NewEndpoint("http://localhost:8001")
	require.NoError(t, err)
	based, err := backend.NewEndpoint("http://localhost:8002/v1/")
	require.NoError(t, err)

	tests := []struct {
		name    string
		ep      *backend.Endpoint
		path    string
		escaped string
		want    string
	}{
		{name: "plain", ep: root, path: "users", escaped: "/api/users", want: "http://localhost:8001/users"},
		{name: "leading slash", ep: root, path: "/users/1", escaped: "/api/users/1", want: "http://localhost:8001/users/1"},
		{name: "empty", ep: root, path: "", escaped: "/api", want: "http://localhost:8001/"},
		{name: "base path", ep: based, path: "users", escaped: "/api/users", want: "http://localhost:8002/v1/users"},
		{name: "percent", ep: root, path: "100%", escaped: "/api/100%25", want: "http://localhost:8001/100%25"},
		{name: "encoded slash", ep: based, path: "a/b", escaped: "/api/a%2Fb", want: "http://localhost:8002/v1/a%2Fb"},
		{name: "question mark", ep: root, path: "a?b", escaped: "/api/a%3Fb", want: "http://localhost:8001/a%3Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, buildTargetURL(tt.ep, tt.path, tt.escaped).String())
		})
	}
}

func TestProxyError(t *testing.T) {
	t.Parallel()

	err := NewProxyError(OpReadResponse, "http://b:1", "failed", ErrResponseTooLarge)

	assert.Equal(t, "proxy error [read_response] target=http://b:1: failed: response body too large", err.Error())
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.ErrorIs(t, err, &ProxyError{})
	assert.False(t, errors.Is(err, ErrRequestTooLarge))
	assert.Equal(t, "proxy error [forward]: failed", NewProxyError(OpForward, "", "failed", nil).Error())
}

func TestDescribeTransportError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "backend request timed out", describeTransportError(context.DeadlineExceeded))
	assert.Equal(t, "failed to read backend response: backend request timed out",
		describeTransportError(NewProxyError(OpReadResponse, "b", "failed to read backend response", context.DeadlineExceeded)))
	assert.Equal(t, "refused", describeTransportError(errors.New("refused")))
}
