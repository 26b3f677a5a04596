package dto

import "github.com/swiftcab/dispatch/internal/domain/order"

// LocationPayload is a coordinate with an optional display label
type LocationPayload struct {
	Lat   float64 `json:"lat" binding:"required"`
	Lng   float64 `json:"lng" binding:"required"`
	Label string  `json:"label"`
}

func (p LocationPayload) Location() order.Location {
	return order.Location{Lat: p.Lat, Lng: p.Lng, Label: p.Label}
}

// CreateOrderRequest represents a rider placing a new order
type CreateOrderRequest struct {
	UserID      string          `json:"user_id" binding:"required"`
	Pickup      LocationPayload `json:"pickup" binding:"required"`
	Destination LocationPayload `json:"destination" binding:"required"`
}

// AcceptOrderRequest represents a driver claiming an order
type AcceptOrderRequest struct {
	DriverID string `json:"driver_id" binding:"required"`
}

// AdvanceStatusRequest moves an order along its lifecycle
type AdvanceStatusRequest struct {
	Target string `json:"target" binding:"required,oneof=driver_coming driver_arrived in_progress completed"`
}

// SweepRequest triggers an expiration sweep, optionally scoped to one requester
type SweepRequest struct {
	RequesterID string `json:"requester_id"`
}

// SweepResponse reports how many orders a sweep expired
type SweepResponse struct {
	Expired int `json:"expired"`
}

// ErrorResponse is the error envelope for all endpoints
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
