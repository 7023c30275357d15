// Package httpexec provides the shared HTTP session used by HTTP tools: one
// pooled client for the process with explicit startup and shutdown, plus the
// executor that turns tool specs into requests. Sharing the pool keeps
// keep-alive connections warm across tool calls instead of rebuilding them
// per invocation.
package httpexec

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"goa.design/flow/telemetry"
)

type (
	// Config tunes the pooled transport. Zero values take the defaults
	// noted on each field.
	Config struct {
		// MaxIdleConns caps idle connections across all hosts (100).
		MaxIdleConns int
		// MaxIdleConnsPerHost caps idle connections per host (10).
		MaxIdleConnsPerHost int
		// MaxConnsPerHost caps total connections per host (0, unbounded).
		MaxConnsPerHost int
		// IdleConnTimeout closes idle connections after this long (90s).
		IdleConnTimeout time.Duration
		// ConnectTimeout bounds dialing (10s).
		ConnectTimeout time.Duration
		// TLSHandshakeTimeout bounds the TLS handshake (10s).
		TLSHandshakeTimeout time.Duration
		// RequestTimeout bounds whole requests including body reads (30s).
		// Per-call contexts still apply on top.
		RequestTimeout time.Duration
	}

	// Stats is a point-in-time snapshot of session activity.
	Stats struct {
		Started  bool  `json:"started"`
		Closed   bool  `json:"closed"`
		Requests int64 `json:"requests"`
		Failures int64 `json:"failures"`
	}

	// SessionManager owns the pooled HTTP client for the process. Construct
	// one, call Startup, hand it to executors, and call Shutdown when the
	// process drains. Safe for concurrent use.
	SessionManager struct {
		cfg    Config
		logger telemetry.Logger

		mu      sync.Mutex
		client  *http.Client
		started bool
		closed  bool
		closers []io.Closer

		requests atomic.Int64
		failures atomic.Int64
	}

	// Option configures a SessionManager.
	Option func(*SessionManager)
)

// ErrClosed is returned for requests after Shutdown.
var ErrClosed = errors.New("httpexec: session manager is closed")

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *SessionManager) { m.logger = l }
}

// WithConfig replaces the transport configuration.
func WithConfig(cfg Config) Option {
	return func(m *SessionManager) { m.cfg = cfg }
}

// WithHTTPClient overrides the pooled client entirely, e.g. for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *SessionManager) {
		m.client = c
		m.started = true
	}
}

// NewSessionManager builds a manager. The pool is created on Startup or
// lazily on first use.
func NewSessionManager(opts ...Option) *SessionManager {
	m := &SessionManager{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return cfg
}

// Startup creates the pooled client. Calling it again is a no-op; calling it
// after Shutdown returns ErrClosed.
func (m *SessionManager) Startup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *SessionManager) startLocked() error {
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	cfg := m.cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}
	m.client = &http.Client{Transport: transport, Timeout: cfg.RequestTimeout}
	m.started = true
	m.logger.Info(context.Background(), "http session started",
		"max_idle", cfg.MaxIdleConns, "per_host", cfg.MaxIdleConnsPerHost)
	return nil
}

// Do sends the request through the pooled client and counts the outcome.
func (m *SessionManager) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	if err := m.startLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	client := m.client
	m.mu.Unlock()

	m.requests.Add(1)
	resp, err := client.Do(req)
	if err != nil {
		m.failures.Add(1)
	}
	return resp, err
}

// Register adds a closer invoked during Shutdown before the pool drains.
// Executors holding per-tool resources register themselves here.
func (m *SessionManager) Register(c io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, c)
}

// Shutdown closes registered executors then the connection pool. It waits up
// to timeout for in-flight requests (by best effort, the stdlib pool has no
// drain primitive) and is safe to call more than once.
func (m *SessionManager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	closers := m.closers
	m.closers = nil
	client := m.client
	m.client = nil
	m.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if client != nil {
		if transport, ok := client.Transport.(*http.Transport); ok {
			done := make(chan struct{})
			go func() {
				transport.CloseIdleConnections()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(timeout):
				errs = append(errs, errors.New("httpexec: shutdown timed out closing idle connections"))
			}
		}
	}
	m.logger.Info(context.Background(), "http session closed",
		"requests", m.requests.Load(), "failures", m.failures.Load())
	return errors.Join(errs...)
}

// ShutdownOnSignal shuts the session down when the process receives SIGINT or
// SIGTERM, or when ctx ends. It returns immediately; the returned stop func
// uninstalls the handler.
func (m *SessionManager) ShutdownOnSignal(ctx context.Context, timeout time.Duration) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopCh := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			m.logger.Info(ctx, "http session shutting down on signal", "signal", sig.String())
			if err := m.Shutdown(timeout); err != nil {
				m.logger.Warn(ctx, "http session shutdown error", "error", err)
			}
		case <-ctx.Done():
		case <-stopCh:
		}
		signal.Stop(sigCh)
	}()
	return func() { close(stopCh) }
}

// HealthCheck returns current session statistics.
func (m *SessionManager) HealthCheck() Stats {
	m.mu.Lock()
	started, closed := m.started, m.closed
	m.mu.Unlock()
	return Stats{
		Started:  started,
		Closed:   closed,
		Requests: m.requests.Load(),
		Failures: m.failures.Load(),
	}
}

// Name implements health.Pinger.
func (m *SessionManager) Name() string { return "http-session" }

// Ping implements health.Pinger. The session is healthy while it is not
// closed.
func (m *SessionManager) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}
