// Package mqttbridge mirrors link traffic onto an MQTT broker.
//
// Completed inbound messages are published to <prefix>/rx, device resets to
// <prefix>/reset (empty payload) and payloads received on <prefix>/tx are handed
// to a transport.MessageSink, normally the link's TX writer.
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/cube-link/internal/link"
	"github.com/kstaniek/cube-link/internal/logging"
	"github.com/kstaniek/cube-link/internal/metrics"
	"github.com/kstaniek/cube-link/internal/transport"
)

const (
	DefaultPrefix         = "cube-link"     // topic prefix when the URL has no path
	DefaultQueueSize      = 256             // pending publishes before ErrQueueFull
	DefaultPublishTimeout = 2 * time.Second // per publish/subscribe token wait

	// Topic suffixes under the prefix.
	TopicRx    = "rx"    // completed inbound messages
	TopicReset = "reset" // device resets, empty payload
	TopicTx    = "tx"    // payloads to send to the device
)

// Sentinel errors; wrapped errors carry the underlying cause.
var (
	ErrBadURL      = errors.New("mqtt url")
	ErrConnect     = errors.New("mqtt connect")
	ErrQueueFull   = errors.New("mqtt publish queue full")
	ErrBridgeClose = errors.New("mqtt bridge closed")
)

// ClientOptionsFromURL builds paho options from mqtt://[user[:pass]@]host:port/prefix[?client-id=id].
// The returned prefix has no leading or trailing slash.
func ClientOptionsFromURL(brokerURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("%w: missing host in %q", ErrBadURL, brokerURL)
	}
	scheme := u.Scheme
	switch scheme {
	case "", "mqtt":
		scheme = "tcp"
	case "mqtts":
		scheme = "ssl"
	}
	prefix := strings.Trim(u.Path, "/")

	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	if clientID := u.Query().Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}
	return opts, prefix, nil
}

type outbound struct {
	topic   string
	payload []byte
}

// Bridge publishes link events and feeds the tx topic into a sink.
type Bridge struct {
	client         paho.Client
	prefix         string
	sink           transport.MessageSink
	logger         *slog.Logger
	qos            byte
	publishTimeout time.Duration

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger (logging.L() by default).
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithQoS sets the QoS for publishes and the tx subscription (0 by default).
func WithQoS(q byte) Option { return func(b *Bridge) { b.qos = q } }

// WithPublishTimeout bounds each token wait; non-positive values are ignored.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

// WithQueueSize sets the publish queue length; non-positive values are ignored.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.out = make(chan outbound, n)
		}
	}
}

// New wraps an existing client. The caller connects it; OnConnect must run on
// every (re)connect so the tx subscription survives clean sessions.
func New(client paho.Client, prefix string, sink transport.MessageSink, opts ...Option) *Bridge {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	b := &Bridge{
		client:         client,
		prefix:         prefix,
		sink:           sink,
		logger:         logging.L(),
		publishTimeout: DefaultPublishTimeout,
		out:            make(chan outbound, DefaultQueueSize),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "mqtt", "prefix", b.prefix)
	b.wg.Add(1)
	go b.publishLoop()
	return b
}

// Dial parses brokerURL, connects and subscribes to the tx topic.
// clientID is used when the URL does not carry one.
func Dial(ctx context.Context, brokerURL, clientID string, sink transport.MessageSink, opts ...Option) (*Bridge, error) {
	popts, prefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	if popts.ClientID == "" && clientID != "" {
		popts.SetClientID(clientID)
	}
	var b *Bridge
	popts.SetOnConnectHandler(func(c paho.Client) { b.OnConnect(c) })
	popts.SetConnectionLostHandler(func(_ paho.Client, err error) { b.OnConnectionLost(err) })
	b = New(paho.NewClient(popts), prefix, sink, opts...)
	if err := b.Connect(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Connect starts the client connection and waits for it or ctx.
func (b *Bridge) Connect(ctx context.Context) error {
	tok := b.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		metrics.IncError(metrics.ErrMQTT)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return nil
}

// Topic returns the full topic for a suffix.
func (b *Bridge) Topic(suffix string) string { return b.prefix + "/" + suffix }

// OnConnect subscribes to the tx topic.
func (b *Bridge) OnConnect(c paho.Client) {
	b.logger.Info("mqtt_connected")
	tok := c.Subscribe(b.Topic(TopicTx), b.qos, b.handleTx)
	if !tok.WaitTimeout(b.publishTimeout) {
		metrics.IncError(metrics.ErrMQTT)
		b.logger.Warn("mqtt_subscribe_timeout", "topic", b.Topic(TopicTx))
		return
	}
	if err := tok.Error(); err != nil {
		metrics.IncError(metrics.ErrMQTT)
		b.logger.Warn("mqtt_subscribe_failed", "topic", b.Topic(TopicTx), "error", err)
	}
}

// OnConnectionLost counts and logs the loss; paho reconnects on its own.
func (b *Bridge) OnConnectionLost(err error) {
	metrics.IncError(metrics.ErrMQTT)
	b.logger.Warn("mqtt_connection_lost", "error", err)
}

func (b *Bridge) handleTx(_ paho.Client, m paho.Message) {
	payload := m.Payload()
	metrics.IncMQTTRx()
	if b.sink == nil {
		return
	}
	if err := b.sink.Send(payload); err != nil {
		switch {
		case errors.Is(err, link.ErrTxOverflow):
			b.logger.Debug("mqtt_tx_overflow_drop", "len", len(payload))
		default:
			b.logger.Warn("mqtt_tx_rejected", "len", len(payload), "error", err)
		}
	}
}

// PublishMessage queues a completed inbound message for <prefix>/rx.
func (b *Bridge) PublishMessage(msg []byte) error { return b.enqueue(TopicRx, msg) }

// PublishReset queues an empty payload for <prefix>/reset.
func (b *Bridge) PublishReset() error { return b.enqueue(TopicReset, nil) }

// enqueue never blocks so it is safe from the link's receive goroutine.
func (b *Bridge) enqueue(suffix string, payload []byte) error {
	select {
	case <-b.done:
		return ErrBridgeClose
	default:
	}
	select {
	case b.out <- outbound{topic: b.Topic(suffix), payload: payload}:
		return nil
	default:
		metrics.IncError(metrics.ErrMQTT)
		return ErrQueueFull
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case m := <-b.out:
			b.publish(m)
		}
	}
}

func (b *Bridge) publish(m outbound) {
	tok := b.client.Publish(m.topic, b.qos, false, m.payload)
	if !tok.WaitTimeout(b.publishTimeout) {
		metrics.IncError(metrics.ErrMQTT)
		b.logger.Warn("mqtt_publish_timeout", "topic", m.topic)
		return
	}
	if err := tok.Error(); err != nil {
		metrics.IncError(metrics.ErrMQTT)
		b.logger.Warn("mqtt_publish_failed", "topic", m.topic, "error", err)
		return
	}
	metrics.IncMQTTTx()
}

// Close stops publishing and disconnects (idempotent).
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.client.Disconnect(250)
		b.logger.Info("mqtt_closed")
	})
}
