package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kstaniek/cube-link/internal/hub"
	"github.com/kstaniek/cube-link/internal/link"
	"github.com/kstaniek/cube-link/internal/mqttbridge"
	"github.com/kstaniek/cube-link/internal/serial"
	"github.com/kstaniek/cube-link/internal/stopwatch"
)

// openers maps -driver values to port openers; tests replace entries.
var openers = map[string]serial.Opener{
	"tarm": serial.Open,
	"dtr":  serial.OpenDTR,
}

// fanout delivers link messages and resets to the hub and, once connected, the MQTT mirror.
type fanout struct {
	hub  *hub.Hub
	mqtt atomic.Pointer[mqttbridge.Bridge]
	l    *slog.Logger
}

func (f *fanout) message(msg []byte) {
	f.hub.Broadcast(msg)
	if b := f.mqtt.Load(); b != nil {
		if err := b.PublishMessage(msg); err != nil {
			f.l.Debug("mqtt_publish_dropped", "error", err)
		}
	}
}

func (f *fanout) reset() {
	f.hub.Reset()
	if b := f.mqtt.Load(); b != nil {
		if err := b.PublishReset(); err != nil {
			f.l.Debug("mqtt_publish_dropped", "error", err)
		}
	}
}

// linkBackend is the connected link with its queued writer for network producers.
type linkBackend struct {
	link *link.Link
	tx   *link.TXWriter
	fan  *fanout
}

// close shuts the link first so a writer stuck on the port is released.
func (b *linkBackend) close() {
	_ = b.link.Close()
	b.tx.Close()
}

// initLink opens the configured port, waits for the device reset and wires
// inbound messages to the hub. The connect time is recorded on sw.
func initLink(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, sw *stopwatch.Stopwatch) (*linkBackend, error) {
	open, ok := openers[cfg.driver]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (use tarm|dtr)", cfg.driver)
	}
	fan := &fanout{hub: h, l: l}
	sw.Start()
	lk, err := link.Dial(ctx, link.Config{
		Port:         cfg.serialDev,
		Baud:         cfg.baud,
		ReadTimeout:  cfg.serialReadTO,
		ResetTimeout: cfg.resetTO,
		PollInterval: cfg.resetPoll,
	},
		link.WithOpener(open),
		link.WithLogger(l),
		link.WithMessageHandler(fan.message),
		link.WithResetHandler(fan.reset),
	)
	if err != nil {
		sw.Reset()
		return nil, err
	}
	l.Info("link_connected", "device", cfg.serialDev, "driver", cfg.driver, "elapsed", sw.Record("connect"))
	return &linkBackend{
		link: lk,
		tx:   link.NewTXWriter(ctx, lk, cfg.txQueue),
		fan:  fan,
	}, nil
}

// sendOnce writes payload directly on the link and records the send time.
func sendOnce(lk *link.Link, payload []byte, l *slog.Logger, sw *stopwatch.Stopwatch) error {
	sw.Start()
	err := lk.Send(payload)
	d := sw.Record("send")
	if err != nil {
		return fmt.Errorf("send %x: %w", payload, err)
	}
	l.Info("send_done", "len", len(payload), "elapsed", d)
	return nil
}

// startMQTT connects the MQTT mirror, feeding its tx topic into the link's queue.
func startMQTT(ctx context.Context, cfg *appConfig, b *linkBackend, l *slog.Logger) (*mqttbridge.Bridge, error) {
	clientID := "cube-link"
	if id, err := machineID(); err == nil && len(id) >= mqttIDLen {
		clientID += "-" + id[:mqttIDLen]
	}
	br, err := mqttbridge.Dial(ctx, cfg.mqttURL, clientID, b.tx, mqttbridge.WithLogger(l))
	if err != nil {
		return nil, err
	}
	b.fan.mqtt.Store(br)
	return br, nil
}

// retainedBytes sums the payload sizes of the retained messages.
func retainedBytes(lk *link.Link) int {
	n := 0
	for _, m := range lk.Messages() {
		n += len(m)
	}
	return n
}
