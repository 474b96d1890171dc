package link

import (
	"errors"

	"github.com/kstaniek/cube-link/internal/frame"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrPortUnavailable means the serial port could not be opened.
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrConnectionTimeout means the device never announced itself with the reset marker.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrWriteFailure wraps an I/O error from Send. The link stays open.
	ErrWriteFailure = errors.New("write failure")
	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrIndexOutOfRange is returned by MessageAt for k outside [0, MessageCount()).
	ErrIndexOutOfRange = errors.New("message index out of range")
	// ErrPayloadTooLarge is returned by Send for payloads over frame.MaxPayload bytes.
	ErrPayloadTooLarge = frame.ErrPayloadTooLarge
)
