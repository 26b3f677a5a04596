package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swiftcab/dispatch/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Client is one live socket connection. Its owner pushes JSON frames through
// Send; the write pump serializes them onto the wire with keepalive pings.
type Client struct {
	ID        string
	SubjectID string
	Role      string // "driver" or "user"
	conn      *websocket.Conn
	send      chan []byte
	log       *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded connection
func NewClient(conn *websocket.Conn, subjectID, role string, log *logger.Logger) *Client {
	return &Client{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Role:      role,
		conn:      conn,
		send:      make(chan []byte, 16),
		log:       log,
	}
}

// Send marshals v and queues it for delivery. Returns false when the client
// is too far behind to keep up, which the caller should treat as gone. Safe
// to call concurrently with Close; frames sent after Close are dropped.
func (c *Client) Send(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Failed to marshal socket frame", logger.Err(err))
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("Socket client lagging, dropping connection",
			logger.String("client_id", c.ID),
		)
		return false
	}
}

// Close shuts the send channel exactly once, releasing the write pump
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump drains the send channel onto the connection. Runs in its own
// goroutine; returns when the send channel closes or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes inbound frames until the peer goes away, then invokes
// onClose. The dispatch sockets are push-only, so inbound payloads are
// ignored; the pump exists to notice disconnects and answer pings.
func (c *Client) ReadPump(onClose func()) {
	defer onClose()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Socket read ended",
					logger.String("client_id", c.ID),
					logger.Err(err),
				)
			}
			return
		}
	}
}
