// Package bus exposes a local-only live feed of adapter logs and
// state changes over a WebSocket, for an in-process debug client or
// the reasoning layer to tail instead of polling (SPEC_FULL.md
// SUPPLEMENTED FEATURES #1, grounded on
// internal/agentexec.Server.HandleWebSocket).
package bus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	pingInterval  = 5 * time.Second
	pingWriteWait = 5 * time.Second
	sendBuffer    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local-only debug surface
}

// EventKind tags the kind of payload a bus Event carries.
type EventKind string

const (
	EventLog          EventKind = "log"
	EventStateChanged EventKind = "state_changed"
	EventReachability EventKind = "reachability"
)

// Event is one message fanned out to every subscriber.
type Event struct {
	Kind      EventKind      `json:"kind"`
	AdapterID string         `json:"adapterId"`
	EntityID  string         `json:"entityId,omitempty"`
	Property  string         `json:"property,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	Reachable *bool          `json:"reachable,omitempty"`
	Time      time.Time      `json:"time"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out Events to every connected WebSocket subscriber.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast marshals e and delivers it to every connected subscriber.
// A subscriber whose send buffer is full misses this event (it stays
// connected) rather than being allowed to block the broadcaster, so a
// slow consumer cannot stall the substrate.
func (h *Hub) Broadcast(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal bus event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Msg("Bus subscriber send buffer full, dropping event")
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection as
// a subscriber until it disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Bus websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go h.pingLoop(c, done)
	go h.readLoop(c, stop)
	h.writePump(c, done)
	stop()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// readLoop discards inbound frames; its only purpose is to notice the
// connection closing, since subscribers never send anything.
func (h *Hub) readLoop(c *client, stop func()) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			stop()
			return
		}
	}
}

func (h *Hub) writePump(c *client, done chan struct{}) {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) pingLoop(c *client, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Subscribers returns the current subscriber count, mainly for tests
// and metrics.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
