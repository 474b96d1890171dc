package serial

import (
	"errors"
	"io"
	"os"
	"reflect"
	"runtime"
	"testing"
	"time"

	bugst "go.bug.st/serial"
)

type fakeDTRPort struct {
	calls  []string
	dtrErr error
}

func (f *fakeDTRPort) Read(p []byte) (int, error)  { return 0, nil }
func (f *fakeDTRPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeDTRPort) Close() error                { return nil }
func (f *fakeDTRPort) ResetInputBuffer() error {
	f.calls = append(f.calls, "flush")
	return nil
}
func (f *fakeDTRPort) SetDTR(v bool) error {
	if f.dtrErr != nil {
		return f.dtrErr
	}
	if v {
		f.calls = append(f.calls, "dtr_high")
	} else {
		f.calls = append(f.calls, "dtr_low")
	}
	return nil
}

func TestPulseResetOrder(t *testing.T) {
	p := &fakeDTRPort{}
	var slept time.Duration
	if err := pulseReset(p, 20*time.Millisecond, func(d time.Duration) {
		slept = d
		p.calls = append(p.calls, "sleep")
	}); err != nil {
		t.Fatalf("pulseReset: %v", err)
	}
	want := []string{"flush", "dtr_low", "sleep", "dtr_high"}
	if !reflect.DeepEqual(p.calls, want) {
		t.Fatalf("calls=%v want %v", p.calls, want)
	}
	if slept != 20*time.Millisecond {
		t.Fatalf("pulse=%v", slept)
	}
}

func TestPulseResetError(t *testing.T) {
	boom := errors.New("ioctl failed")
	p := &fakeDTRPort{dtrErr: boom}
	if err := pulseReset(p, time.Millisecond, func(time.Duration) {}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ioctl error, got %v", err)
	}
}

// vanishedPort stands in for a go.bug.st port whose device went away.
type vanishedPort struct {
	bugst.Port
	err error
}

func (v vanishedPort) Read([]byte) (int, error)  { return 0, v.err }
func (v vanishedPort) Write([]byte) (int, error) { return 0, v.err }

func TestBugstPortReportsDeviceGone(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a non-tty device node")
	}
	// Opening a non-tty yields a real InvalidSerialPort PortError.
	_, openErr := bugst.Open(os.DevNull, &bugst.Mode{BaudRate: 9600})
	var pe *bugst.PortError
	if !errors.As(openErr, &pe) || pe.Code() != bugst.InvalidSerialPort {
		t.Skipf("unexpected open result on %s: %v", os.DevNull, openErr)
	}
	p := bugstPort{vanishedPort{err: openErr}}
	if _, err := p.Read(make([]byte, 4)); !errors.Is(err, ErrDeviceGone) {
		t.Fatalf("read: expected ErrDeviceGone, got %v", err)
	}
	if _, err := p.Write([]byte{1}); !errors.Is(err, ErrDeviceGone) {
		t.Fatalf("write: expected ErrDeviceGone, got %v", err)
	}
	if !errors.As(deviceErr(openErr), &pe) {
		t.Fatalf("original PortError lost")
	}
}

func TestDeviceErrPassesOtherErrors(t *testing.T) {
	busy := &bugst.PortError{} // zero code is PortBusy
	for _, err := range []error{busy, io.ErrNoProgress} {
		got := deviceErr(err)
		if errors.Is(got, ErrDeviceGone) {
			t.Fatalf("%v mapped to ErrDeviceGone", err)
		}
		if got != err {
			t.Fatalf("error rewrapped: %v", got)
		}
	}
	if deviceErr(nil) != nil {
		t.Fatalf("nil not preserved")
	}
}
