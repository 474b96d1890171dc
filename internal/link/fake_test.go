package link

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/cube-link/internal/frame"
	"github.com/kstaniek/cube-link/internal/logging"
	"github.com/kstaniek/cube-link/internal/serial"
)

// fakePort implements serial.Port. Chunks pushed to rx are returned by Read one per call.
type fakePort struct {
	rx        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu       sync.Mutex
	written  bytes.Buffer
	writes   [][]byte
	writeErr error
	echo     bool // loop written bytes back as received chunks
}

func newFakePort(chunks ...[]byte) *fakePort {
	f := &fakePort{rx: make(chan []byte, 1024), closed: make(chan struct{})}
	for _, c := range chunks {
		f.rx <- c
	}
	return f
}

func (f *fakePort) Read(p []byte) (int, error) {
	select {
	case c := <-f.rx:
		return copy(p, c), nil
	case <-f.closed:
		return 0, io.EOF
	case <-time.After(20 * time.Millisecond):
		return 0, io.EOF // read timeout
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written.Write(p)
	f.writes = append(f.writes, bytes.Clone(p))
	if f.echo {
		f.rx <- bytes.Clone(p)
	}
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePort) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakePort) wire() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.written.Bytes())
}

func openerFor(p *fakePort) serial.Opener {
	return func(string, int, time.Duration) (serial.Port, error) { return p, nil }
}

func testConfig() Config {
	return Config{
		Port:         "fake",
		Baud:         115200,
		ResetTimeout: time.Second,
		PollInterval: time.Millisecond,
	}
}

func testOptions(p *fakePort, extra ...Option) []Option {
	return append([]Option{WithOpener(openerFor(p)), WithLogger(logging.Discard())}, extra...)
}

// resetChunk is what a freshly booted device sends.
var resetChunk = []byte{frame.ResetMarker}
