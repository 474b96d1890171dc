package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/cube-link/internal/metrics"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := [][]byte{[]byte("R U R' U'"), {}, bytes.Repeat([]byte{7}, MaxPayload)}
	var wire []byte
	for _, m := range in {
		var err error
		if wire, err = AppendFrame(wire, m); err != nil {
			t.Fatalf("AppendFrame: %v", err)
		}
	}
	var out [][]byte
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(m []byte) { out = append(out, m) })
	if err != io.EOF && err != nil { // expect EOF at clean end
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if !bytes.Equal(out[i], in[i]) {
			t.Fatalf("message %d mismatch: got % X want % X", i, out[i], in[i])
		}
	}
}

func TestAppendFrame_TooLarge(t *testing.T) {
	dst := []byte{9}
	out, err := AppendFrame(dst, make([]byte, MaxPayload+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if !bytes.Equal(out, []byte{9}) {
		t.Fatalf("dst modified on error: % X", out)
	}
}

func TestCodec_DecodeReservedLength(t *testing.T) {
	codec := Codec{}
	before := metrics.Snap().Malformed
	if _, err := codec.Decode(bytes.NewReader([]byte{ResetMarker})); !errors.Is(err, ErrReservedLength) {
		t.Fatalf("expected ErrReservedLength, got %v", err)
	}
	if metrics.Snap().Malformed <= before {
		t.Fatalf("expected malformed metric increment")
	}
}

func TestCodec_DecodeTruncated(t *testing.T) {
	codec := Codec{}
	if _, err := codec.Decode(bytes.NewReader([]byte{4, 1, 2})); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}
