package stopwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFake() (*Stopwatch, *fakeClock) {
	c := &fakeClock{t: time.Unix(1000, 0)}
	s := New()
	s.now = c.now
	return s, c
}

func TestAccumulatesAcrossSpans(t *testing.T) {
	s, c := newFake()
	assert.Zero(t, s.Elapsed())

	s.Start()
	c.advance(30 * time.Millisecond)
	assert.True(t, s.Running())
	assert.Equal(t, 30*time.Millisecond, s.Elapsed())
	s.Stop()

	c.advance(time.Second) // paused
	s.Start()
	s.Start() // no-op while running
	c.advance(20 * time.Millisecond)
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.Equal(t, 50*time.Millisecond, s.Elapsed())
}

func TestResetPauses(t *testing.T) {
	s, c := newFake()
	s.Start()
	c.advance(time.Second)
	s.Reset()
	assert.False(t, s.Running())
	c.advance(time.Second)
	assert.Zero(t, s.Elapsed())
}

func TestRecord(t *testing.T) {
	s, c := newFake()
	s.Start()
	c.advance(15 * time.Millisecond)
	assert.Equal(t, 15*time.Millisecond, s.Record("connect"))
	assert.False(t, s.Running())
	assert.Zero(t, s.Elapsed())

	s.Start()
	c.advance(5 * time.Millisecond)
	s.Record("send")
	s.Start()
	c.advance(7 * time.Millisecond)
	s.Record("send")

	d, ok := s.Recorded("connect")
	assert.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, d)
	d, _ = s.Recorded("send")
	assert.Equal(t, 7*time.Millisecond, d)
	_, ok = s.Recorded("missing")
	assert.False(t, ok)

	assert.Equal(t, []Entry{
		{Label: "connect", Duration: 15 * time.Millisecond},
		{Label: "send", Duration: 7 * time.Millisecond},
	}, s.Records())
}
