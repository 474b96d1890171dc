// Package logging holds the process-wide slog logger and builds the handlers
// selected on the command line.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() { current.Store(slog.New(slog.NewTextHandler(os.Stderr, nil))) }

// L returns the process-wide logger.
func L() *slog.Logger { return current.Load() }

// Set installs l as the process-wide logger; nil is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// Options select the handler built by New.
type Options struct {
	Format string       // "text" (default) or "json"
	Level  slog.Leveler // nil logs at info
	Writer io.Writer    // nil writes to stderr
}

// New builds a logger from o. Unknown formats are an error.
func New(o Options) (*slog.Logger, error) {
	w := o.Writer
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: o.Level}
	switch strings.ToLower(o.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, ho)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, ho)), nil
	}
	return nil, fmt.Errorf("log format %q: want text or json", o.Format)
}

// ParseLevel accepts slog level names (debug, info, warn, error) in any case.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }
