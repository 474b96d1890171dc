package serial

import (
	"errors"
	"time"

	tarm "github.com/tarm/serial"
)

// ErrDeviceGone is returned by a port whose device was unplugged or closed under a read.
var ErrDeviceGone = errors.New("serial device gone")

// Port abstracts the serial drivers for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Opener opens a named port at the given baud rate.
type Opener func(name string, baud int, readTimeout time.Duration) (Port, error)

// Open opens name through tarm/serial with 8 data bits, no parity and one stop bit.
// On boards with an auto-reset circuit, opening the port reboots the device.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &tarm.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	}
	p, err := tarm.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
