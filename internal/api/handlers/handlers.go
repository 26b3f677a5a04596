package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/dispatch/internal/api/dto"
	"github.com/swiftcab/dispatch/internal/dispatch"
	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/store"
	apperrors "github.com/swiftcab/dispatch/pkg/errors"
	"github.com/swiftcab/dispatch/pkg/logger"
	"github.com/swiftcab/dispatch/pkg/monitoring"
	"github.com/swiftcab/dispatch/pkg/websocket"
)

// Handlers holds all handler dependencies
type Handlers struct {
	Coordinator *dispatch.Coordinator
	Broadcaster *dispatch.Broadcaster
	Monitor     *dispatch.Monitor
	Sweeper     *dispatch.Sweeper
	Logger      *logger.Logger
	Hub         *websocket.Hub
	NewRelic    *monitoring.NewRelicApp
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	coord *dispatch.Coordinator,
	bcast *dispatch.Broadcaster,
	mon *dispatch.Monitor,
	sweep *dispatch.Sweeper,
	log *logger.Logger,
	hub *websocket.Hub,
	nrApp *monitoring.NewRelicApp,
) *Handlers {
	return &Handlers{
		Coordinator: coord,
		Broadcaster: bcast,
		Monitor:     mon,
		Sweeper:     sweep,
		Logger:      log,
		Hub:         hub,
		NewRelic:    nrApp,
	}
}

// respondError maps domain errors onto HTTP responses
func (h *Handlers) respondError(c *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed", logger.Err(err), logger.String("path", c.FullPath()))
	}
	c.JSON(appErr.Status, dto.ErrorResponse{Code: appErr.Code, Message: appErr.Message})
}

func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NotFound("Order not found", err)
	case errors.Is(err, dispatch.ErrAlreadyClaimed):
		return apperrors.Conflict("Order already claimed", err)
	case errors.Is(err, dispatch.ErrDriverProfileMissing):
		return apperrors.UnprocessableEntity("Driver profile missing", err)
	case errors.Is(err, order.ErrInvalidTransition):
		return apperrors.UnprocessableEntity("Illegal status transition", err)
	case errors.Is(err, store.ErrUnavailable):
		return apperrors.ServiceUnavailable("Order store unavailable", err)
	default:
		return apperrors.Internal("Internal server error", err)
	}
}
