package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/util"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T) (observability.Logger, *syncBuffer) {
	t.Helper()

	buf := &syncBuffer{}
	logger, err := observability.NewLoggerWithWriter(observability.LogConfig{Level: "debug", Format: "json"}, buf)
	require.NoError(t, err)
	return logger, buf
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	handler := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, util.ContentTypeJSON, rec.Header().Get(util.HeaderContentType))

	var resp util.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, util.CategoryInternalError, resp.Error)
	assert.Contains(t, buf.String(), "panic recovered")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestRecovery_NoPanic(t *testing.T) {
	t.Parallel()

	handler := Recovery(observability.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	t.Parallel()

	handler := Recovery(observability.NopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inbound string
	}{
		{name: "generated", inbound: ""},
		{name: "kept", inbound: "abc-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var seen string
			handler := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = observability.RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(HeaderXRequestID, tt.inbound)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(HeaderXRequestID))
			if tt.inbound != "" {
				assert.Equal(t, tt.inbound, seen)
			} else {
				assert.Len(t, seen, 36)
			}
		})
	}
}

func TestRequestIDWithGenerator(t *testing.T) {
	t.Parallel()

	handler := RequestIDWithGenerator(func() string { return "fixed" })(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "fixed", rec.Header().Get(HeaderXRequestID))
}

func TestClientIPExtractor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "no trusted proxies ignores header", remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4", want: "10.0.0.1"},
		{name: "untrusted peer ignores header", trusted: []string{"192.168.0.0/16"}, remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4", want: "10.0.0.1"},
		{name: "trusted peer uses header", trusted: []string{"10.0.0.0/8"}, remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4", want: "1.2.3.4"},
		{name: "walks right to left", trusted: []string{"10.0.0.0/8"}, remoteAddr: "10.0.0.1:5000", xff: "9.9.9.9, 1.2.3.4, 10.0.0.7", want: "1.2.3.4"},
		{name: "all trusted falls back", trusted: []string{"10.0.0.0/8"}, remoteAddr: "10.0.0.1:5000", xff: "10.0.0.2", want: "10.0.0.1"},
		{name: "single IP entry", trusted: []string{"10.0.0.1"}, remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4", want: "1.2.3.4"},
		{name: "invalid entry skipped", trusted: []string{"nope"}, remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4", want: "10.0.0.1"},
		{name: "ipv6 remote", remoteAddr: "[::1]:5000", want: "::1"},
		{name: "no port", remoteAddr: "10.0.0.9", want: "10.0.0.9"},
		{name: "empty header", trusted: []string{"10.0.0.0/8"}, remoteAddr: "10.0.0.1:5000", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set(HeaderXForwardedFor, tt.xff)
			}

			assert.Equal(t, tt.want, NewClientIPExtractor(tt.trusted).Extract(req))
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	handler := ClientIP(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ClientIPOf(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "172.16.0.5:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "172.16.0.5", seen)
}

func TestClientIPOf_FallsBackToRemoteAddr(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "172.16.0.9:1234"
	assert.Equal(t, "172.16.0.9", ClientIPOf(req))
}

func TestLogging(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		level  string
	}{
		{name: "success", status: http.StatusOK, level: `"level":"info"`},
		{name: "client error", status: http.StatusTooManyRequests, level: `"level":"warn"`},
		{name: "server error", status: http.StatusServiceUnavailable, level: `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, buf := newTestLogger(t)
			handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.False(t, util.StartTimeFromContext(r.Context()).IsZero())
				w.Header().Set("X-Backend-Service", "http://b:1")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("hello"))
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/x?y=1", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			out := buf.String()
			assert.Contains(t, out, `"message":"http request"`)
			assert.Contains(t, out, tt.level)
			assert.Contains(t, out, `"size":5`)
			assert.Contains(t, out, `"query":"y=1"`)
			assert.Contains(t, out, `"backend":"http://b:1"`)
			assert.True(t, strings.Contains(out, `"client_ip":"192.0.2.1"`))
		})
	}
}
