package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swiftcab/dispatch/internal/api/handlers"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, nrApp *newrelic.Application) {
	// Add New Relic middleware if enabled
	if nrApp != nil {
		r.Use(nrgin.Middleware(nrApp))
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "healthy",
			"connections": h.Hub.ActiveConnections(),
		})
	})

	// Prometheus scrape endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// WebSocket streams
		ws := v1.Group("/ws")
		{
			ws.GET("/feed", h.FeedSocket)
			ws.GET("/watch", h.WatchSocket)
		}

		// Order endpoints
		orders := v1.Group("/orders")
		{
			orders.POST("", h.CreateOrder)
			orders.GET("/:id", h.GetOrder)
			orders.POST("/:id/accept", h.AcceptOrder)
			orders.POST("/:id/status", h.AdvanceStatus)
			orders.POST("/:id/cancel", h.CancelOrder)
		}

		// Maintenance
		v1.POST("/sweep", h.SweepNow)
	}
}
