package link

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/cube-link/internal/frame"
	"github.com/kstaniek/cube-link/internal/logging"
	"github.com/kstaniek/cube-link/internal/serial"
)

// errPort always returns a synthetic error to trigger backoff.
type errPort struct {
	closed chan struct{}
	once   sync.Once
}

func (f *errPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (f *errPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *errPort) Close() error                { f.once.Do(func() { close(f.closed) }); return nil }

func TestReadLoopBackoffProgression(t *testing.T) {
	p := &errPort{closed: make(chan struct{})}
	var mu sync.Mutex
	var seen []time.Duration
	enough := make(chan struct{})
	sleepFn = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				close(enough)
			}
		}
		time.Sleep(time.Millisecond)
	}
	defer func() { sleepFn = time.Sleep }()

	cfg := Config{Port: "fake", Baud: 9600}
	l, err := Dial(context.Background(), cfg,
		WithOpener(func(string, int, time.Duration) (serial.Port, error) { return p, nil }),
		WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	select {
	case <-enough:
	case <-time.After(2 * time.Second):
		t.Fatalf("backoff not observed")
	}
	_ = l.Close()

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != rxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", rxBackoffMin, seen[0])
	}
	prev := time.Duration(0)
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, d, rxBackoffMax)
		}
		prev = d
	}
}

// gonePort announces the device, then reports it unplugged on every read.
type gonePort struct {
	announced bool
	mu        sync.Mutex
}

func (g *gonePort) Read(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.announced {
		g.announced = true
		p[0] = frame.ResetMarker
		return 1, nil
	}
	return 0, fmt.Errorf("%w: port closed", serial.ErrDeviceGone)
}
func (g *gonePort) Write(p []byte) (int, error) { return len(p), nil }
func (g *gonePort) Close() error                { return nil }

func TestReadLoopStopsWhenDeviceGone(t *testing.T) {
	var mu sync.Mutex
	backoffs := 0
	sleepFn = func(time.Duration) { mu.Lock(); backoffs++; mu.Unlock() }
	defer func() { sleepFn = time.Sleep }()

	cfg := Config{Port: "fake", Baud: 9600, ResetTimeout: time.Second}
	l, err := Dial(context.Background(), cfg,
		WithOpener(func(string, int, time.Duration) (serial.Port, error) { return &gonePort{}, nil }),
		WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer l.Close()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("receive loop still running after the device went away")
	}
	if l.Closed() {
		t.Fatalf("device loss must not look like Close")
	}
	mu.Lock()
	defer mu.Unlock()
	if backoffs != 0 {
		t.Fatalf("device loss retried %d times", backoffs)
	}
}
