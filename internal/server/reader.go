package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/cube-link/internal/frame"
	"github.com/kstaniek/cube-link/internal/hub"
	"github.com/kstaniek/cube-link/internal/link"
	"github.com/kstaniek/cube-link/internal/metrics"
)

// decodeBurst bounds how many frames are decoded before the deadline is re-armed.
const decodeBurst = 16

// readLoop forwards client frames to the link until the client leaves or breaks framing.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, cl *hub.Client, log *slog.Logger) {
	defer s.wg.Done()
	defer cl.Close() // the writer exits even with nothing to flush
	defer conn.Close()
	var dec frame.Codec
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.readDeadline))
		_, err := dec.DecodeN(conn, decodeBurst, func(msg []byte) { s.forward(msg, log) })
		if err != nil && s.readEnds(err, log) {
			return
		}
	}
}

// readEnds reports whether err ends the session. Only an idle timeout at a frame
// boundary keeps the client; the reset marker or a frame cut short is a protocol
// error because the stream can no longer be trusted.
func (s *Server) readEnds(err error, log *slog.Logger) bool {
	var ne net.Error
	switch {
	case errors.Is(err, frame.ErrReservedLength), errors.Is(err, frame.ErrTruncatedFrame):
		s.protocolErrors.Add(1)
		log.Warn("client_protocol_error", "error", s.record(fmt.Errorf("%w: %v", ErrProtocol, err)))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &ne) && ne.Timeout():
		return false
	default:
		s.record(fmt.Errorf("%w: %v", ErrConnRead, err))
	}
	return true
}

// forward hands one client payload to the link. A full link queue drops the payload.
func (s *Server) forward(msg []byte, log *slog.Logger) {
	metrics.IncTCPRx()
	if s.send == nil {
		return
	}
	err := s.send(msg)
	switch {
	case err == nil:
	case errors.Is(err, link.ErrTxOverflow):
		s.backendOverflow.Add(1)
		log.Debug("backend_overflow_drop", "len", len(msg))
	default:
		s.backendErrors.Add(1)
		log.Error("backend_tx_error", "error", s.record(fmt.Errorf("%w: %v", ErrBackendTx, err)), "len", len(msg))
	}
}
