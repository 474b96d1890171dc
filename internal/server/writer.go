package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/cube-link/internal/frame"
	"github.com/kstaniek/cube-link/internal/hub"
	"github.com/kstaniek/cube-link/internal/metrics"
)

// appendEvent encodes a hub event for the bridge wire: a frame for a message,
// the bare reset marker for a device reset.
func appendEvent(dst []byte, ev hub.Event) []byte {
	if ev.Reset {
		return append(dst, frame.ResetMarker)
	}
	out, err := frame.AppendFrame(dst, ev.Payload)
	if err != nil {
		return dst // the link never completes an oversized message
	}
	return out
}

// writeLoop batches the client's events into single socket writes.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, cl *hub.Client, log *slog.Logger) {
	defer s.wg.Done()
	defer s.drop(conn, cl, log)
	tick := time.NewTicker(s.cfg.flushInterval)
	defer tick.Stop()

	var (
		wire     []byte
		queued   int // events in wire
		messages int // of which completed messages
	)
	flush := func() bool {
		if queued == 0 {
			return true
		}
		_, err := conn.Write(wire)
		n := messages
		wire, queued, messages = wire[:0], 0, 0
		if err != nil {
			s.record(fmt.Errorf("%w: %v", ErrConnWrite, err))
			return false
		}
		metrics.AddTCPTx(n)
		return true
	}
	for {
		select {
		case ev := <-cl.Out:
			wire = appendEvent(wire, ev)
			queued++
			if !ev.Reset {
				messages++
			}
			if queued >= s.cfg.batchSize && !flush() {
				return
			}
		case <-tick.C:
			if !flush() {
				return
			}
		case <-cl.Closed:
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}
