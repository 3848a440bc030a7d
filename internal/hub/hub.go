// Package hub fans session change signals out to connected websocket
// observers. Signals name what changed; observers re-fetch the session
// list over HTTP rather than receiving full state on the socket.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nishu-builder/plate-spinner/internal/logging"
)

// Signal types sent on the socket.
const (
	SignalSessionUpdate  = "session_update"
	SignalSessionDeleted = "session_deleted"
)

// Signal is the wire message pushed to observers.
type Signal struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Client wraps one websocket connection with a buffered outbound queue.
// A dedicated writePump goroutine drains the queue so a stalled peer
// never blocks a broadcast. The mutex makes enqueue and close mutually
// exclusive: a disconnect arriving mid-broadcast must never close the
// channel out from under a sender.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// trySend enqueues without blocking. False means the client is closed
// or its queue is full; either way the caller should drop it.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub tracks the connected observer set.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool
}

func New() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// Add registers a connection and returns its client handle.
func (h *Hub) Add(conn *websocket.Conn) *Client {
	c := newClient(conn)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return c
	}
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

// Remove detaches a client and closes its queue. Removing a client that
// is already gone is a no-op.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Broadcast sends a signal to every connected observer. Clients that
// cannot take the signal, because their queue is full or they already
// disconnected, are collected during the sweep and removed after it
// completes.
func (h *Hub) Broadcast(sig Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		logging.Error("marshal broadcast signal", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var failed []*Client
	for _, c := range clients {
		if !c.trySend(data) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		logging.Warn("dropping observer that cannot take signals")
		h.Remove(c)
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every observer and rejects future Adds.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
