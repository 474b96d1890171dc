// Package stopwatch measures accumulated wall time across start/stop spans.
// A Stopwatch is not safe for concurrent use.
package stopwatch

import (
	"sort"
	"time"
)

// Stopwatch accumulates running time and keeps labelled recordings.
type Stopwatch struct {
	now     func() time.Time
	started time.Time // zero while paused
	accum   time.Duration
	records map[string]time.Duration
}

// New returns a paused stopwatch at zero.
func New() *Stopwatch { return &Stopwatch{now: time.Now, records: map[string]time.Duration{}} }

// Start resumes timing; a running stopwatch is left untouched.
func (s *Stopwatch) Start() {
	if s.started.IsZero() {
		s.started = s.now()
	}
}

// Stop pauses timing and folds the running span into the total.
func (s *Stopwatch) Stop() {
	if !s.started.IsZero() {
		s.accum += s.now().Sub(s.started)
		s.started = time.Time{}
	}
}

// Reset zeroes and pauses the stopwatch. Records are kept.
func (s *Stopwatch) Reset() {
	s.accum = 0
	s.started = time.Time{}
}

// Running reports whether the stopwatch is timing.
func (s *Stopwatch) Running() bool { return !s.started.IsZero() }

// Elapsed returns the total including the running span.
func (s *Stopwatch) Elapsed() time.Duration {
	if s.started.IsZero() {
		return s.accum
	}
	return s.accum + s.now().Sub(s.started)
}

// Record stores the current elapsed time under label, then resets.
// Recording an existing label overwrites it.
func (s *Stopwatch) Record(label string) time.Duration {
	d := s.Elapsed()
	s.records[label] = d
	s.Reset()
	return d
}

// Recorded returns the duration stored under label.
func (s *Stopwatch) Recorded(label string) (time.Duration, bool) {
	d, ok := s.records[label]
	return d, ok
}

// Entry is one labelled recording.
type Entry struct {
	Label    string
	Duration time.Duration
}

// Records returns all recordings ordered by label.
func (s *Stopwatch) Records() []Entry {
	out := make([]Entry, 0, len(s.records))
	for l, d := range s.records {
		out = append(out, Entry{Label: l, Duration: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
