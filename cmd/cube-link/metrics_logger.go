package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/cube-link/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"link_rx", snap.LinkRx,
		"link_rx_bytes", snap.LinkRxBytes,
		"link_tx", snap.LinkTx,
		"resets", snap.Resets,
		"discarded_partials", snap.Discarded,
		"retained", snap.Retained,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"mqtt_rx", snap.MQTTRx,
		"mqtt_tx", snap.MQTTTx,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}
