// Package server is the TCP side of the bridge.
//
// A client and the server first exchange Hello, then both directions carry
// [len][payload] frames. Payloads from a client go to the device. Clients get
// every completed device message, and a lone reset marker (255) when the device
// reboots, which invalidates everything received before it. New clients are
// replayed the hub's recent messages first.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/cube-link/internal/hub"
	"github.com/kstaniek/cube-link/internal/logging"
	"github.com/kstaniek/cube-link/internal/metrics"
)

// SendFunc hands one client payload to the link.
type SendFunc func([]byte) error

// LinkState is consulted before a client is admitted. *link.Link implements it.
type LinkState interface {
	AwaitingReset() bool
	Closed() bool
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuffer     = 512
	acceptRetry             = 100 * time.Millisecond
)

type config struct {
	addr             string
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
}

// Stats are lifetime counters of one Server.
type Stats struct {
	Accepted        uint64
	HandshakeFailed uint64
	Rejected        uint64
	Connected       uint64
	Disconnected    uint64
	BackendOverflow uint64
	BackendErrors   uint64
	ProtocolErrors  uint64
}

// Server accepts bridge clients and runs one reader and one writer per client.
type Server struct {
	cfg    config
	hub    *hub.Hub
	send   SendFunc
	link   LinkState
	logger *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	conns     map[*hub.Client]net.Conn
	closing   bool
	lastErr   error
	ready     chan struct{}
	readyOnce sync.Once
	wg        sync.WaitGroup
	connSeq   atomic.Uint64

	accepted, handshakeFailed, rejected, connected, disconnected atomic.Uint64
	backendOverflow, backendErrors, protocolErrors               atomic.Uint64
}

// Option customizes a Server.
type Option func(*Server)

func setPositive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// WithListenAddr sets the TCP address (":0" by default).
func WithListenAddr(a string) Option { return func(s *Server) { s.cfg.addr = a } }

// WithHub sets the hub clients subscribe to; New creates one otherwise.
func WithHub(h *hub.Hub) Option {
	return func(s *Server) {
		if h != nil {
			s.hub = h
		}
	}
}

// WithSend sets where client payloads go. Without it they are counted and dropped.
func WithSend(fn SendFunc) Option { return func(s *Server) { s.send = fn } }

// WithLink makes the server refuse clients while the link is closed or has not
// seen the device's reset marker yet.
func WithLink(ls LinkState) Option { return func(s *Server) { s.link = ls } }

// WithLogger sets the server logger (logging.L() by default).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFlushInterval bounds how long queued events wait before a socket write.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) { setPositive(&s.cfg.flushInterval, d) }
}

// WithBatchSize sets how many events force an early socket write.
func WithBatchSize(n int) Option { return func(s *Server) { setPositive(&s.cfg.batchSize, n) } }

// WithReadDeadline sets the idle read deadline; an idle client is kept.
func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) { setPositive(&s.cfg.readDeadline, d) }
}

// WithHandshakeTimeout bounds the Hello exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { setPositive(&s.cfg.handshakeTimeout, d) }
}

// WithMaxClients caps simultaneous clients (0, the default, is unlimited).
func WithMaxClients(n int) Option { return func(s *Server) { setPositive(&s.cfg.maxClients, n) } }

// New returns a server that is not listening yet.
func New(opts ...Option) *Server {
	s := &Server{
		cfg: config{
			addr:             ":0",
			flushInterval:    defaultFlushInterval,
			batchSize:        defaultBatchSize,
			readDeadline:     defaultReadDeadline,
			handshakeTimeout: defaultHandshakeTimeout,
		},
		logger: logging.L(),
		conns:  make(map[*hub.Client]net.Conn),
		ready:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.hub == nil {
		s.hub = hub.New()
	}
	return s
}

// Addr returns the bound address once listening, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.addr
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// LastError returns the most recent recorded error.
func (s *Server) LastError() error { s.mu.Lock(); defer s.mu.Unlock(); return s.lastErr }

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:        s.accepted.Load(),
		HandshakeFailed: s.handshakeFailed.Load(),
		Rejected:        s.rejected.Load(),
		Connected:       s.connected.Load(),
		Disconnected:    s.disconnected.Load(),
		BackendOverflow: s.backendOverflow.Load(),
		BackendErrors:   s.backendErrors.Load(),
		ProtocolErrors:  s.protocolErrors.Load(),
	}
}

// Serve listens and admits clients until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.addr)
	if err != nil {
		return s.record(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("tcp_listen", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept_error", "error", s.record(fmt.Errorf("%w: accept: %v", ErrListen, err)))
			time.Sleep(acceptRetry)
			continue
		}
		s.accepted.Add(1)
		s.admit(ctx, conn)
	}
}

// admit runs the Hello exchange, checks the link and client limit, then starts
// the client's goroutines. Every failure closes conn.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	log := s.logger.With("conn_id", s.connSeq.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := Handshake(ctx, conn, s.cfg.handshakeTimeout); err != nil {
		s.handshakeFailed.Add(1)
		log.Warn("handshake_failed", "error", s.record(fmt.Errorf("%w: %v", ErrHandshake, err)))
		_ = conn.Close()
		return
	}
	if reason := s.refusal(); reason != "" {
		s.rejected.Add(1)
		metrics.IncHubReject()
		log.Warn("client_rejected", "reason", reason)
		_ = conn.Close()
		return
	}
	n := s.hub.OutBufSize
	if n <= 0 {
		n = defaultClientBuffer
	}
	cl := hub.NewClient(n)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[cl] = conn
	s.mu.Unlock()
	s.hub.Add(cl)
	metrics.SetHubClients(s.hub.Count())
	s.connected.Add(1)
	log.Info("client_connected", "replayed", len(cl.Out))

	s.wg.Add(3)
	go s.watch(ctx, conn, cl)
	go s.writeLoop(ctx, conn, cl, log)
	go s.readLoop(ctx, conn, cl, log)
}

// refusal names the reason a new client cannot be admitted, or returns "".
func (s *Server) refusal() string {
	switch {
	case s.link != nil && s.link.Closed():
		return "link_closed"
	case s.link != nil && s.link.AwaitingReset():
		return "awaiting_reset"
	case s.cfg.maxClients > 0 && s.hub.Count() >= s.cfg.maxClients:
		return "max_clients"
	}
	return ""
}

// watch closes conn when the hub kicks cl, so a writer blocked on a full socket returns.
func (s *Server) watch(ctx context.Context, conn net.Conn, cl *hub.Client) {
	defer s.wg.Done()
	select {
	case <-cl.Closed:
		_ = conn.Close()
	case <-ctx.Done():
	}
}

// drop unregisters a client after its writer exits.
func (s *Server) drop(conn net.Conn, cl *hub.Client, log *slog.Logger) {
	_ = conn.Close()
	s.hub.Remove(cl)
	s.mu.Lock()
	delete(s.conns, cl)
	s.mu.Unlock()
	s.disconnected.Add(1)
	log.Info("client_disconnected")
}

// Shutdown stops accepting, closes every client and waits for their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for cl, conn := range s.conns {
		_ = conn.Close()
		cl.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	case <-done:
	}
	st := s.Stats()
	s.logger.Info("shutdown_summary",
		"accepted", st.Accepted,
		"handshake_fail", st.HandshakeFailed,
		"rejected", st.Rejected,
		"connected", st.Connected,
		"disconnected", st.Disconnected,
		"backend_overflow", st.BackendOverflow,
		"backend_errors", st.BackendErrors,
		"protocol_errors", st.ProtocolErrors,
	)
	return nil
}
