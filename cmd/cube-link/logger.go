package main

import (
	"log/slog"

	"github.com/kstaniek/cube-link/internal/logging"
)

func setupLogger(format, level string) (*slog.Logger, error) {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l, err := logging.New(logging.Options{Format: format, Level: lvl})
	if err != nil {
		return nil, err
	}
	l = l.With("app", "cube-link")
	logging.Set(l)
	return l, nil
}
