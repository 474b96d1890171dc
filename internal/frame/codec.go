package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/cube-link/internal/metrics"
)

const (
	// ResetMarker is sent by the device once it has rebooted. It is never a valid length.
	ResetMarker byte = 0xFF
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 254
)

var (
	// ErrPayloadTooLarge is returned when a payload does not fit a length byte.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	// ErrReservedLength is returned when a stream carries the reset marker where a length is expected.
	ErrReservedLength = errors.New("frame: reserved length byte")
	// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
	ErrTruncatedFrame = errors.New("frame: truncated frame")
)

// AppendFrame appends the wire form of payload ([len][payload...]) to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w (%d bytes)", ErrPayloadTooLarge, len(payload))
	}
	dst = append(dst, byte(len(payload)))
	return append(dst, payload...), nil
}

// Codec decodes length-prefixed frames from a byte stream that never carries
// the reset marker, such as the bridge clients' side of a TCP connection.
// Stateless and safe for concurrent use.
type Codec struct{}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) ([]byte, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	if lb[0] == ResetMarker {
		metrics.IncMalformed()
		return nil, ErrReservedLength
	}
	payload := make([]byte, lb[0])
	if len(payload) > 0 {
		// A failure here leaves the stream mid-frame, so it is always reported as truncated.
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				metrics.IncMalformed()
			}
			return nil, fmt.Errorf("frame decode payload: %w: %w", ErrTruncatedFrame, err)
		}
	}
	return payload, nil
}

// DecodeN decodes up to max frames (if max>0) or until error (if max<=0) invoking onMessage for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onMessage func([]byte)) (int, error) {
	var n int
	for max <= 0 || n < max {
		msg, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onMessage(msg)
		n++
	}
	return n, nil
}
