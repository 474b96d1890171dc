package server

import (
	"errors"

	"github.com/kstaniek/cube-link/internal/metrics"
)

// Errors kept by LastError; match them with errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrHandshake = errors.New("handshake")
	ErrProtocol  = errors.New("protocol")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrBackendTx = errors.New("backend_tx")
)

var errLabels = []struct {
	err   error
	label string
}{
	{ErrHandshake, metrics.ErrHandshake},
	{ErrProtocol, metrics.ErrTCPRead},
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrListen, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrBackendTx, metrics.ErrSerialWrite},
}

// record counts err under its metric label, keeps it as the last error and returns it.
func (s *Server) record(err error) error {
	label := "other"
	for _, e := range errLabels {
		if errors.Is(err, e.err) {
			label = e.label
			break
		}
	}
	metrics.IncError(label)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}
