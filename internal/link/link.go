// Package link owns the serial connection to the robot controller.
//
// Messages travel as [len][payload] frames with len in 0..254. The device
// sends the reserved byte 255 after every reboot; a Link treats it as an
// in-band reset that discards partial input and the completed message list.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/cube-link/internal/frame"
	"github.com/kstaniek/cube-link/internal/logging"
	"github.com/kstaniek/cube-link/internal/metrics"
	"github.com/kstaniek/cube-link/internal/serial"
)

// Defaults applied by Dial and the command line.
const (
	DefaultReadTimeout  = 50 * time.Millisecond // serial read timeout
	DefaultResetTimeout = 5 * time.Second       // wait for the reset marker at connect
	DefaultPollInterval = 10 * time.Millisecond // reset flag polling period

	readBufSize  = 4096 // per read() buffer
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
	maxPayload   = frame.MaxPayload
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Config describes the port and the reset handshake.
type Config struct {
	Port         string
	Baud         int
	ReadTimeout  time.Duration // serial read timeout; 0 uses DefaultReadTimeout
	ResetTimeout time.Duration // how long Dial waits for the reset marker; 0 skips the wait
	PollInterval time.Duration // reset flag polling period; 0 uses DefaultPollInterval
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Option customizes a Link at Dial time.
type Option func(*Link)

// WithOpener replaces the port driver (serial.Open by default).
func WithOpener(o serial.Opener) Option {
	return func(l *Link) {
		if o != nil {
			l.open = o
		}
	}
}

// WithLogger sets the link logger (logging.L() by default).
func WithLogger(lg *slog.Logger) Option {
	return func(l *Link) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithMessageHandler registers fn before the receive loop starts. See SetMessageHandler.
func WithMessageHandler(fn func([]byte)) Option { return func(l *Link) { l.SetMessageHandler(fn) } }

// WithResetHandler registers fn before the receive loop starts. See SetResetHandler.
func WithResetHandler(fn func()) Option { return func(l *Link) { l.SetResetHandler(fn) } }

// Link is an open connection to the device.
//
// Receive state is only mutated by the receive goroutine. Completed messages
// are published under msgMu and handlers run without it held, so a handler may
// call MessageCount, MessageAt or Send. Handlers must not call Close.
type Link struct {
	cfg    Config
	open   serial.Opener
	port   serial.Port
	logger *slog.Logger

	rxMu sync.Mutex
	asm  frame.Assembler

	msgMu sync.RWMutex
	msgs  [][]byte

	awaitingReset atomic.Bool
	onMessage     atomic.Pointer[func([]byte)]
	onReset       atomic.Pointer[func()]

	txMu      sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Dial opens the port, starts the receive loop and waits for the device to
// announce itself with the reset marker. On failure nothing is left open.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Link, error) {
	cfg = cfg.withDefaults()
	l := &Link{
		cfg:    cfg,
		open:   serial.Open,
		logger: logging.L(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	p, err := l.open(cfg.Port, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, cfg.Port, err)
	}
	l.port = p
	// Armed before the receive loop starts so the marker cannot slip past.
	l.awaitingReset.Store(cfg.ResetTimeout > 0)
	go l.readLoop()
	l.logger.Info("serial_open", "device", cfg.Port, "baud", cfg.Baud)

	if cfg.ResetTimeout > 0 {
		if err := l.awaitReset(ctx, cfg.ResetTimeout); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	l.logger.Info("link_ready", "device", cfg.Port)
	return l, nil
}

// awaitReset polls the reset flag; it takes no lock the receive loop needs.
func (l *Link) awaitReset(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(l.cfg.PollInterval)
	defer tick.Stop()
	for {
		if !l.awaitingReset.Load() {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			if !l.awaitingReset.Load() {
				return nil
			}
			metrics.IncError(metrics.ErrResetTimeout)
			l.logger.Warn("reset_timeout", "device", l.cfg.Port, "timeout", timeout)
			return fmt.Errorf("%w: no reset marker from %s within %v", ErrConnectionTimeout, l.cfg.Port, timeout)
		case <-l.done:
			if !l.awaitingReset.Load() {
				return nil
			}
			return fmt.Errorf("%w: %s closed while awaiting reset", ErrPortUnavailable, l.cfg.Port)
		case <-ctx.Done():
			return fmt.Errorf("await reset: %w", ctx.Err())
		}
	}
}

func (l *Link) readLoop() {
	defer close(l.done)
	defer l.logger.Info("serial_rx_end", "device", l.cfg.Port)
	buf := make([]byte, readBufSize)
	backoff := rxBackoffMin
	for {
		if l.closed.Load() {
			return
		}
		n, err := l.port.Read(buf)
		if n > 0 {
			metrics.AddLinkRxBytes(n)
			l.feed(buf[:n])
			backoff = rxBackoffMin
		}
		if err != nil {
			if l.closed.Load() { // shutting down
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) || errors.Is(err, serial.ErrDeviceGone) {
				l.logger.Error("serial_gone", "device", l.cfg.Port, "error", err)
				return // device removed or fatal
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.logger.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

// feed runs one delivered chunk through the assembler.
func (l *Link) feed(chunk []byte) {
	l.rxMu.Lock()
	defer l.rxMu.Unlock()
	l.asm.Feed(chunk, (*rxHandler)(l))
}

// rxHandler applies assembler events to the Link.
type rxHandler Link

func (h *rxHandler) Message(p []byte) {
	l := (*Link)(h)
	l.msgMu.Lock()
	l.msgs = append(l.msgs, p)
	n := len(l.msgs)
	l.msgMu.Unlock()
	metrics.IncLinkRx()
	metrics.SetRetained(n)
	l.logger.Debug("link_rx", "len", len(p))
	if fn := l.onMessage.Load(); fn != nil {
		(*fn)(bytes.Clone(p))
	}
}

func (h *rxHandler) Reset(partial bool) {
	l := (*Link)(h)
	l.msgMu.Lock()
	dropped := len(l.msgs)
	l.msgs = nil
	l.msgMu.Unlock()
	l.awaitingReset.Store(false)
	metrics.IncReset(partial)
	metrics.SetRetained(0)
	l.logger.Info("link_reset", "device", l.cfg.Port, "partial_dropped", partial, "messages_cleared", dropped)
	if fn := l.onReset.Load(); fn != nil {
		(*fn)()
	}
}

// SetMessageHandler registers fn for every completed message (nil removes it).
// fn runs on the receive goroutine and gets its own copy of the payload.
func (l *Link) SetMessageHandler(fn func([]byte)) {
	if fn == nil {
		l.onMessage.Store(nil)
		return
	}
	l.onMessage.Store(&fn)
}

// SetResetHandler registers fn for device resets (nil removes it).
func (l *Link) SetResetHandler(fn func()) {
	if fn == nil {
		l.onReset.Store(nil)
		return
	}
	l.onReset.Store(&fn)
}

// Send writes one frame carrying payload (0..254 bytes) in a single write.
// Concurrent callers are serialized.
func (l *Link) Send(payload []byte) error {
	if l.closed.Load() {
		return ErrConnectionClosed
	}
	wire, err := frame.AppendFrame(make([]byte, 0, len(payload)+1), payload)
	if err != nil {
		return err
	}
	l.txMu.Lock()
	defer l.txMu.Unlock()
	if l.closed.Load() {
		return ErrConnectionClosed
	}
	n, err := l.port.Write(wire)
	if err == nil && n < len(wire) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if l.closed.Load() {
			return ErrConnectionClosed // port closed under a blocked write
		}
		metrics.IncError(metrics.ErrSerialWrite)
		l.logger.Error("serial_write_error", "error", err, "len", len(payload))
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	metrics.IncLinkTx()
	return nil
}

// SendByte sends a one-byte payload.
func (l *Link) SendByte(b byte) error { return l.Send([]byte{b}) }

// MessageCount returns the number of messages completed since the last reset.
func (l *Link) MessageCount() int {
	l.msgMu.RLock()
	defer l.msgMu.RUnlock()
	return len(l.msgs)
}

// MessageAt returns a copy of the k-th most recent message (0 = newest).
func (l *Link) MessageAt(k int) ([]byte, error) {
	l.msgMu.RLock()
	defer l.msgMu.RUnlock()
	n := len(l.msgs)
	if k < 0 || k >= n {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, k, n)
	}
	return bytes.Clone(l.msgs[n-1-k]), nil
}

// Messages returns copies of all retained messages, oldest first.
func (l *Link) Messages() [][]byte {
	l.msgMu.RLock()
	defer l.msgMu.RUnlock()
	out := make([][]byte, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = bytes.Clone(m)
	}
	return out
}

// AwaitingReset reports whether the reset marker is still expected.
func (l *Link) AwaitingReset() bool { return l.awaitingReset.Load() }

// PortName returns the configured port.
func (l *Link) PortName() string { return l.cfg.Port }

// Done is closed once the receive loop has exited (Close or device removal).
func (l *Link) Done() <-chan struct{} { return l.done }

// Closed reports whether Close has been called.
func (l *Link) Closed() bool { return l.closed.Load() }

// Close releases the port and waits for the receive loop. Safe to call more than once.
// It does not take the send lock, so it also unblocks a Send stuck in a write.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.port.Close()
		<-l.done
	})
	return l.closeErr
}
