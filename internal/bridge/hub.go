// Package bridge exposes a consultation controller to local front ends over
// WebSocket. Every connected client receives view snapshots and may issue
// commands against the shared conversation.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/formula-consult/internal/consult"
)

// client is one connected front end. views holds at most the latest snapshot so a
// slow reader never blocks the controller.
type client struct {
	id      string
	conn    *websocket.Conn
	views   chan consult.View
	replies chan reply
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:      id,
		conn:    conn,
		views:   make(chan consult.View, 1),
		replies: make(chan reply, 16),
	}
}

// offer replaces any pending snapshot with v.
func (c *client) offer(v consult.View) {
	select {
	case c.views <- v:
		return
	default:
	}
	select {
	case <-c.views:
	default:
	}
	select {
	case c.views <- v:
	default:
	}
}

// Hub tracks connected clients and fans controller snapshots out to them.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*client
	unsubscribe func()
	logger      *slog.Logger
}

// NewHub subscribes to ctrl and returns a hub that broadcasts its snapshots.
func NewHub(ctrl *consult.Controller, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients: make(map[string]*client),
		logger:  logger,
	}
	h.unsubscribe = ctrl.Subscribe(h.broadcast)
	return h
}

// broadcast runs under the controller lock and must not block.
func (h *Hub) broadcast(v consult.View) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.offer(v)
	}
}

// Register adds a client.
func (h *Hub) Register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.logger.Info("Bridge client registered", "client_id", c.id, "clients", len(h.clients))
}

// Unregister removes a client if it is still the registered one.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		h.logger.Info("Bridge client unregistered", "client_id", c.id, "clients", len(h.clients))
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches the hub from the controller and closes every connection.
func (h *Hub) Close() {
	h.unsubscribe()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "bridge shutting down")
		delete(h.clients, id)
	}
}
