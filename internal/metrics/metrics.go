package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/kstaniek/cube-link/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	LinkRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_messages_total",
		Help: "Total messages reassembled from the serial link.",
	})
	LinkRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_bytes_total",
		Help: "Total raw bytes read from the serial link.",
	})
	LinkTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_messages_total",
		Help: "Total messages written to the serial link.",
	})
	LinkResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_resets_total",
		Help: "Total device reset markers observed on the serial link.",
	})
	LinkDiscardedPartials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_discarded_partials_total",
		Help: "Total in-flight messages discarded by a device reset.",
	})
	TCPRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_messages_total",
		Help: "Total messages received from TCP bridge clients.",
	})
	TCPTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_messages_total",
		Help: "Total messages sent to TCP bridge clients.",
	})
	MQTTRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_rx_messages_total",
		Help: "Total outbound payloads received from the MQTT tx topic.",
	})
	MQTTTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_tx_messages_total",
		Help: "Total inbound messages published to MQTT.",
	})
	HubDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_messages_total",
		Help: "Total messages dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	LinkRetainedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_retained_messages",
		Help: "Messages completed since the last device reset.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames from network clients (reserved length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialRead     = "serial_read"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrResetTimeout   = "reset_timeout"
	ErrMQTT           = "mqtt"
)

// NewRouter returns a router serving /metrics and /ready. Callers may add routes before serving.
func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	}).Methods(http.MethodGet)
	return r
}

// StartHTTP serves h on addr in the background. A nil handler serves NewRouter().
func StartHTTP(addr string, h http.Handler) *http.Server {
	if h == nil {
		h = NewRouter()
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localLinkRx       uint64
	localLinkRxBytes  uint64
	localLinkTx       uint64
	localResets       uint64
	localDiscarded    uint64
	localTCPRx        uint64
	localTCPTx        uint64
	localMQTTRx       uint64
	localMQTTTx       uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localErrors       uint64
	localHubClients   uint64
	localFanout       uint64
	localMalformed    uint64
	localRetained     uint64
	localResetTimeout uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	LinkRx        uint64
	LinkRxBytes   uint64
	LinkTx        uint64
	Resets        uint64
	Discarded     uint64
	TCPRx         uint64
	TCPTx         uint64
	MQTTRx        uint64
	MQTTTx        uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	Retained      uint64
	ResetTimeouts uint64
}

// Snap reads the local mirrors of the counters.
func Snap() Snapshot {
	return Snapshot{
		LinkRx:        atomic.LoadUint64(&localLinkRx),
		LinkRxBytes:   atomic.LoadUint64(&localLinkRxBytes),
		LinkTx:        atomic.LoadUint64(&localLinkTx),
		Resets:        atomic.LoadUint64(&localResets),
		Discarded:     atomic.LoadUint64(&localDiscarded),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		MQTTRx:        atomic.LoadUint64(&localMQTTRx),
		MQTTTx:        atomic.LoadUint64(&localMQTTTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		Retained:      atomic.LoadUint64(&localRetained),
		ResetTimeouts: atomic.LoadUint64(&localResetTimeout),
	}
}

// Wrapper helpers to keep call sites simple.
func IncLinkRx() {
	LinkRxMessages.Inc()
	atomic.AddUint64(&localLinkRx, 1)
}

func AddLinkRxBytes(n int) {
	LinkRxBytes.Add(float64(n))
	atomic.AddUint64(&localLinkRxBytes, uint64(n))
}

func IncLinkTx() {
	LinkTxMessages.Inc()
	atomic.AddUint64(&localLinkTx, 1)
}

// IncReset counts a device reset; partial reports whether an in-flight message was dropped.
func IncReset(partial bool) {
	LinkResets.Inc()
	atomic.AddUint64(&localResets, 1)
	if partial {
		LinkDiscardedPartials.Inc()
		atomic.AddUint64(&localDiscarded, 1)
	}
}

func IncTCPRx() {
	TCPRxMessages.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxMessages.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncMQTTRx() {
	MQTTRxMessages.Inc()
	atomic.AddUint64(&localMQTTRx, 1)
}

func IncMQTTTx() {
	MQTTTxMessages.Inc()
	atomic.AddUint64(&localMQTTTx, 1)
}

func IncHubDrop() {
	HubDroppedMessages.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetRetained records how many messages the link currently holds.
func SetRetained(n int) {
	LinkRetainedMessages.Set(float64(n))
	atomic.StoreUint64(&localRetained, uint64(n))
}

// IncError counts an error under label (one of the Err* constants).
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
	if label == ErrResetTimeout {
		atomic.AddUint64(&localResetTimeout, 1)
	}
}

// IncMalformed counts a frame rejected on the bridge wire.
func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialRead, ErrSerialOverflow,
		ErrResetTimeout, ErrMQTT,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
