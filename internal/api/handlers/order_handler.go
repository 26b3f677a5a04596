package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/dispatch/internal/api/dto"
	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/pkg/logger"
)

// CreateOrder handles POST /v1/orders
func (h *Handlers) CreateOrder(c *gin.Context) {
	var req dto.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	o, err := h.Coordinator.CreateOrder(c.Request.Context(), req.UserID, req.Pickup.Location(), req.Destination.Location())
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Order created",
		logger.String("order_id", o.ID),
		logger.String("user_id", o.UserID),
	)
	c.JSON(http.StatusCreated, o)
}

// GetOrder handles GET /v1/orders/:id
func (h *Handlers) GetOrder(c *gin.Context) {
	o, err := h.Coordinator.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// AcceptOrder handles POST /v1/orders/:id/accept
func (h *Handlers) AcceptOrder(c *gin.Context) {
	var req dto.AcceptOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	o, err := h.Coordinator.AcceptOrder(c.Request.Context(), c.Param("id"), req.DriverID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Order claimed",
		logger.String("order_id", o.ID),
		logger.String("driver_id", req.DriverID),
	)
	if h.NewRelic != nil {
		h.NewRelic.RecordOrderAccepted(o.ID, req.DriverID)
	}
	c.JSON(http.StatusOK, o)
}

// AdvanceStatus handles POST /v1/orders/:id/status
func (h *Handlers) AdvanceStatus(c *gin.Context) {
	var req dto.AdvanceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	o, err := h.Coordinator.AdvanceStatus(c.Request.Context(), c.Param("id"), order.Status(req.Target))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handlers) CancelOrder(c *gin.Context) {
	o, err := h.Coordinator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Order cancelled", logger.String("order_id", o.ID))
	c.JSON(http.StatusOK, o)
}

// SweepNow handles POST /v1/sweep
func (h *Handlers) SweepNow(c *gin.Context) {
	var req dto.SweepRequest
	// body is optional: an empty sweep request means sweep everything
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
			return
		}
	}

	expired, err := h.Sweeper.Sweep(c.Request.Context(), req.RequesterID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if h.NewRelic != nil && expired > 0 {
		h.NewRelic.RecordOrdersExpired(expired)
	}
	c.JSON(http.StatusOK, dto.SweepResponse{Expired: expired})
}
