package link

import (
	"context"
	"errors"

	"github.com/kstaniek/cube-link/internal/metrics"
	"github.com/kstaniek/cube-link/internal/transport"
)

// ErrTxOverflow is returned by TXWriter.Send when the queue is full; the payload is dropped.
var ErrTxOverflow = errors.New("link tx overflow")

// TXWriter queues payloads for a Link so network producers never block on the serial port.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a TXWriter in front of sink (usually a *Link) with a queue of size buf.
func NewTXWriter(parent context.Context, sink transport.MessageSink, buf int) *TXWriter {
	hooks := transport.Hooks{
		// Send already counted and logged the write error.
		OnError: func(error) {},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, sink.Send, hooks)}
}

// Send queues a payload for asynchronous write (drops with ErrTxOverflow if the queue is full).
// Payloads over the frame limit are rejected immediately.
func (w *TXWriter) Send(payload []byte) error {
	if len(payload) > maxPayload {
		return ErrPayloadTooLarge
	}
	return w.base.Send(payload)
}

// Close stops the writer and waits for the worker goroutine to exit.
func (w *TXWriter) Close() { w.base.Close() }
