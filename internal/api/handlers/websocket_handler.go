package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/swiftcab/dispatch/internal/identity"
	"github.com/swiftcab/dispatch/internal/observability"
	"github.com/swiftcab/dispatch/pkg/logger"
	"github.com/swiftcab/dispatch/pkg/websocket"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// FeedSocket handles GET /v1/ws/feed. It streams the claimable orders
// snapshot to a driver. Each push replaces the previous list wholesale.
func (h *Handlers) FeedSocket(c *gin.Context) {
	ident, err := identity.Resolve(string(identity.KindDriver), c.Query("driver_id"), c.Query("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "driver_id query parameter is required"})
		return
	}

	// The request context dies when this handler returns, long before the
	// socket does, so the subscription gets a background context and is torn
	// down by Cancel on socket close.
	sub, err := h.Broadcaster.OpenFeed(context.Background())
	if err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Cancel()
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	client := websocket.NewClient(conn, ident.ID, string(ident.Kind), h.Logger)
	h.Hub.Register(client)
	observability.FeedSubscriptions.Inc()

	go client.WritePump()
	go client.ReadPump(func() {
		sub.Cancel()
		h.Hub.Unregister(client)
		observability.FeedSubscriptions.Dec()
	})

	go func() {
		for snap := range sub.Snapshots() {
			if !client.Send(gin.H{"type": "orders", "orders": snap}) {
				h.Logger.Warn("Dropping feed snapshot for slow driver socket",
					logger.String("driver_id", ident.ID))
			}
		}
		if err := sub.Err(); err != nil {
			h.Logger.Error("Feed subscription closed", logger.Err(err),
				logger.String("driver_id", ident.ID))
		}
	}()
}

// WatchSocket handles GET /v1/ws/watch. It streams a requester's own orders
// plus the edge-triggered matched / driver_coming events.
func (h *Handlers) WatchSocket(c *gin.Context) {
	ident, err := identity.Resolve(string(identity.KindUser), c.Query("user_id"), c.Query("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	watcher, err := h.Monitor.Watch(context.Background(), ident.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		watcher.Cancel()
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	client := websocket.NewClient(conn, ident.ID, string(ident.Kind), h.Logger)
	h.Hub.Register(client)
	observability.WatchSubscriptions.Inc()

	go client.WritePump()
	go client.ReadPump(func() {
		watcher.Cancel()
		h.Hub.Unregister(client)
		observability.WatchSubscriptions.Dec()
	})

	go func() {
		for upd := range watcher.Updates() {
			// Events first so a client reacting to "matched" already has
			// the driver snapshot when the orders push lands.
			for _, ev := range upd.Events {
				client.Send(gin.H{
					"type":     string(ev.Type),
					"order_id": ev.Order.ID,
					"order":    ev.Order,
				})
			}
			client.Send(gin.H{"type": "orders", "orders": upd.Orders})
		}
		if err := watcher.Err(); err != nil {
			h.Logger.Error("Watch subscription closed", logger.Err(err),
				logger.String("user_id", ident.ID))
		}
	}()
}
