package frame

import "bytes"

// Handler receives the events produced by an Assembler.
type Handler interface {
	// Message is called with each completed payload. Ownership passes to the handler.
	Message(payload []byte)
	// Reset is called when the reset marker is seen; partial reports whether an
	// in-flight frame was discarded.
	Reset(partial bool)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnMessage func([]byte)
	OnReset   func(partial bool)
}

// Message implements Handler.
func (h HandlerFuncs) Message(p []byte) {
	if h.OnMessage != nil {
		h.OnMessage(p)
	}
}

// Reset implements Handler.
func (h HandlerFuncs) Reset(partial bool) {
	if h.OnReset != nil {
		h.OnReset(partial)
	}
}

// Assembler reassembles frames from arbitrarily chunked input.
//
// It is either idle (next byte is a length) or filling a buffer whose size
// was fixed by the length byte. The reset marker aborts a fill at any point.
// The zero value is idle and ready to use. Not safe for concurrent use.
type Assembler struct {
	buf     []byte
	index   int
	filling bool
}

// Feed consumes chunk left to right and reports completed messages and resets to h
// in stream order. State carries over to the next call when a frame spans chunks.
func (a *Assembler) Feed(chunk []byte, h Handler) {
	for i := 0; i < len(chunk); {
		b := chunk[i]
		if b == ResetMarker {
			partial := a.filling
			a.Reset()
			h.Reset(partial)
			i++
			continue
		}
		if !a.filling {
			a.buf, a.index, a.filling = make([]byte, b), 0, true
			i++
			if b == 0 {
				a.complete(h)
			}
			continue
		}
		// Copy the longest run that neither overruns the frame nor crosses a marker.
		run := chunk[i:]
		if rem := len(a.buf) - a.index; len(run) > rem {
			run = run[:rem]
		}
		if j := bytes.IndexByte(run, ResetMarker); j >= 0 {
			run = run[:j]
		}
		copy(a.buf[a.index:], run)
		a.index += len(run)
		i += len(run)
		if a.index == len(a.buf) {
			a.complete(h)
		}
	}
}

func (a *Assembler) complete(h Handler) {
	msg := a.buf
	a.Reset()
	h.Message(msg)
}

// Reset drops any partial frame and returns to idle.
func (a *Assembler) Reset() {
	a.buf, a.index, a.filling = nil, 0, false
}

// State reports whether a frame is being filled, its length and the next write offset.
func (a *Assembler) State() (filling bool, length, index int) {
	return a.filling, len(a.buf), a.index
}
