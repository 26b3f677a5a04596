package websocket

import (
	"sync"

	"github.com/swiftcab/dispatch/pkg/logger"
)

// Hub tracks live socket clients so the server can report connection counts
// and close everything on shutdown. Snapshot delivery itself is per-client:
// each connection owns exactly one dispatch subscription, so there is no
// cross-client broadcast path here.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	log     *logger.Logger
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		log:     log,
	}
}

// Register adds a client
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	h.log.Info("Socket client connected",
		logger.String("client_id", c.ID),
		logger.String("subject_id", c.SubjectID),
		logger.String("role", c.Role),
	)
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.Close()
	}
	h.mu.Unlock()

	h.log.Info("Socket client disconnected",
		logger.String("client_id", c.ID),
	)
}

// ActiveConnections returns the number of connected clients
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConnectionsByRole returns the count of clients with the given role
func (h *Hub) ConnectionsByRole(role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for c := range h.clients {
		if c.Role == role {
			count++
		}
	}
	return count
}

// CloseAll disconnects every client, for graceful shutdown
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.Close()
	}
	h.mu.Unlock()
}
