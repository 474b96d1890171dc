package frame

import (
	"reflect"
	"testing"
)

// FuzzAssemblerChunking ensures splitting the input never changes the events produced.
func FuzzAssemblerChunking(f *testing.F) {
	f.Add([]byte{3, 'a', 'b', 'c'}, uint8(1))
	f.Add([]byte{3, 'a', 255, 'x', 0, 2, 1, 1}, uint8(2))
	f.Add([]byte{255, 255, 0}, uint8(5))
	f.Fuzz(func(t *testing.T, data []byte, step uint8) {
		n := int(step)%16 + 1
		var whole, split Assembler
		want, got := &recorder{}, &recorder{}
		whole.Feed(data, want)
		for pos := 0; pos < len(data); pos += n {
			end := pos + n
			if end > len(data) {
				end = len(data)
			}
			split.Feed(data[pos:end], got)
		}
		if !reflect.DeepEqual(want.events, got.events) {
			t.Fatalf("events differ for step %d\n whole=%v\n split=%v", n, want.events, got.events)
		}
	})
}

// FuzzCodecDecode ensures the stream decoder doesn't panic with random input.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	f.Add([]byte{2, 1, 2, 0, 255})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeN(bytesReader(data), 16, func([]byte) {})
	})
}
