package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// maxHeaderBytes caps inbound request headers.
const maxHeaderBytes = 1 << 20

// Listener represents the public HTTP listener.
type Listener struct {
	config  config.ListenerConfig
	server  *http.Server
	handler http.Handler
	logger  observability.Logger
	addr    atomic.Pointer[string]
	running atomic.Bool
	done    chan struct{}
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a new listener.
func NewListener(
	cfg config.ListenerConfig,
	handler http.Handler,
	opts ...ListenerOption,
) (*Listener, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	l := &Listener{
		config:  cfg,
		handler: handler,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	bind := l.config.Bind
	if bind == "" {
		bind = config.DefaultBind
	}
	return fmt.Sprintf("%s:%d", bind, l.config.Port)
}

// Addr returns the bound address, which differs from Address when the
// configured port is 0.
func (l *Listener) Addr() string {
	if p := l.addr.Load(); p != nil {
		return *p
	}
	return l.Address()
}

// Start binds the socket and serves in the background.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.Address())
	}

	addr := l.Address()

	readHeaderTimeout := l.config.ReadHeaderTimeout.Duration()
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = config.DefaultReadHeaderTimeout
	}
	idleTimeout := l.config.IdleTimeout.Duration()
	if idleTimeout <= 0 {
		idleTimeout = config.DefaultIdleTimeout
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// No write timeout: the proxy bounds each backend call itself.
	l.server = &http.Server{
		Addr:              addr,
		Handler:           l.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	bound := ln.Addr().String()
	l.addr.Store(&bound)
	l.done = make(chan struct{})
	l.running.Store(true)

	l.logger.Info("listener started",
		observability.String("address", bound),
	)

	go l.serve(ln)

	return nil
}

// serve runs until the server is shut down.
func (l *Listener) serve(ln net.Listener) {
	defer close(l.done)

	if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error",
			observability.String("address", l.Addr()),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop stops the listener gracefully, closing it outright when ctx
// expires before in-flight requests finish.
func (l *Listener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}

	l.logger.Info("stopping listener",
		observability.String("address", l.Addr()),
	)

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}

	<-l.done
	l.running.Store(false)

	l.logger.Info("listener stopped",
		observability.String("address", l.Addr()),
	)

	return nil
}

// IsRunning returns true if the listener is running.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
