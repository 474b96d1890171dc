package hub

import (
	"sync"

	"github.com/kstaniek/cube-link/internal/logging"
	"github.com/kstaniek/cube-link/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the message for that client
	PolicyKick                           // disconnect the client
)

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

// String implements fmt.Stringer.
func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Event is one entry on a client queue: a completed link message, or a device
// reset when Reset is set.
type Event struct {
	Payload []byte
	Reset   bool
}

// Client is one subscriber of link events.
type Client struct {
	Out       chan Event
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Hub fans link events out to bridge clients and remembers the most recent
// messages since the last device reset so late joiners can catch up.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	recent     [][]byte
	OutBufSize int
	Policy     BackpressurePolicy
	Replay     int // messages kept for new clients; 0 disables replay
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient allocates a client with an outbound queue of n events.
func NewClient(n int) *Client {
	return &Client{Out: make(chan Event, n), Closed: make(chan struct{})}
}

// Add registers a client and queues the replayed messages, newest last, up to
// the client's free queue space. Replay and registration happen under one lock,
// so every message reaches the client exactly once.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	replay := h.recent
	if free := cap(c.Out) - len(c.Out); len(replay) > free {
		replay = replay[len(replay)-free:]
	}
	for _, m := range replay {
		c.Out <- Event{Payload: m}
	}
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if prev == 0 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues a completed message for every client honoring the backpressure
// policy. Clients share msg and must treat it as read-only.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	if h.Replay > 0 {
		h.recent = append(h.recent, msg)
		if over := len(h.recent) - h.Replay; over > 0 {
			h.recent = h.recent[over:]
		}
	}
	clients := h.snapshotLocked()
	h.mu.Unlock()
	h.deliver(clients, Event{Payload: msg})
}

// Reset tells every client the device rebooted and forgets the replay history.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.recent = nil
	clients := h.snapshotLocked()
	h.mu.Unlock()
	h.deliver(clients, Event{Reset: true})
}

func (h *Hub) deliver(clients []*Client, ev Event) {
	metrics.SetBroadcastFanout(len(clients))
	metrics.SetHubClients(len(clients))
	for _, c := range clients {
		select {
		case c.Out <- ev:
			continue
		default:
		}
		// A client that misses a reset would go on showing stale messages.
		if h.Policy == PolicyKick || ev.Reset {
			metrics.IncHubKick()
			c.Close() // the server removes it once the writer exits
		} else {
			metrics.IncHubDrop()
		}
	}
}

func (h *Hub) snapshotLocked() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
