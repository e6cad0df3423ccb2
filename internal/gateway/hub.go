// Package gateway streams orchestrator events to observer dashboards over
// WebSocket. Observers are read-only: every connected client receives the
// same relay of bus events, and anything a client sends is discarded.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
)

// Hub manages all observer connections.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for frames already marshaled to JSON
	broadcast chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an observer hub. Run must be started before clients
// connect.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "gateway_hub")),
	}
}

// Run is the hub's main processing loop. It exits when ctx is canceled,
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("observer hub started")
	defer h.logger.Info("observer hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("observer connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("observer disconnected", zap.String("client_id", client.ID))
}

// fanOut sends a frame to every client. A client whose buffer is full
// misses the frame; the write pump cleans up clients that stop reading.
func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a marshaled frame for every connected client. Frames
// are dropped when the hub is not running or saturated; observers get a
// lossy feed, never a blocked publisher.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug("hub broadcast buffer full, frame dropped")
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
