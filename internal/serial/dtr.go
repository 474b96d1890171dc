package serial

import (
	"errors"
	"fmt"
	"time"

	bugst "go.bug.st/serial"
)

// DefaultResetPulse is how long DTR is held low by OpenDTR.
const DefaultResetPulse = 50 * time.Millisecond

// dtrPort is the subset of go.bug.st/serial.Port used to pulse the reset line.
type dtrPort interface {
	Port
	SetDTR(dtr bool) error
	ResetInputBuffer() error
}

// OpenDTR opens name through go.bug.st/serial (8-N-1) and pulses DTR to reboot
// the device, for USB bridges that do not reset the board on open.
func OpenDTR(name string, baud int, readTimeout time.Duration) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	p, err := bugst.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	if err := pulseReset(p, DefaultResetPulse, time.Sleep); err != nil {
		_ = p.Close()
		return nil, err
	}
	return bugstPort{p}, nil
}

// bugstPort reports a vanished device as ErrDeviceGone.
type bugstPort struct{ bugst.Port }

func (p bugstPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	return n, deviceErr(err)
}

func (p bugstPort) Write(b []byte) (int, error) {
	n, err := p.Port.Write(b)
	return n, deviceErr(err)
}

// deviceErr wraps the go.bug.st codes for a port that is no longer there.
// On Linux an unplugged adapter reads as PortClosed.
func deviceErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *bugst.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case bugst.PortClosed, bugst.PortNotFound, bugst.InvalidSerialPort:
			return fmt.Errorf("%w: %w", ErrDeviceGone, err)
		}
	}
	return err
}

// pulseReset discards stale input then drives DTR low for d and releases it.
func pulseReset(p dtrPort, d time.Duration, sleep func(time.Duration)) error {
	if err := p.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}
	if err := p.SetDTR(false); err != nil {
		return fmt.Errorf("dtr low: %w", err)
	}
	sleep(d)
	if err := p.SetDTR(true); err != nil {
		return fmt.Errorf("dtr high: %w", err)
	}
	return nil
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return bugst.GetPortsList()
}
