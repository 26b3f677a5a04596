package order

import (
	"errors"
	"time"
)

// Status represents order status
type Status string

const (
	StatusWaiting       Status = "waiting"
	StatusAccepted      Status = "accepted"
	StatusDriverComing  Status = "driver_coming"
	StatusDriverArrived Status = "driver_arrived"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusExpired       Status = "expired"
)

// Store field names shared by every store backend
const (
	FieldStatus           = "status"
	FieldUserID           = "user_id"
	FieldAssignedDriverID = "assigned_driver_id"
	FieldAssignedDriver   = "assigned_driver_data"
	FieldCreatedAt        = "created_at"
	FieldUpdatedAt        = "updated_at"
	FieldAcceptedAt       = "accepted_at"
	FieldDriverComingAt   = "driver_coming_at"
	FieldDriverArrivedAt  = "driver_arrived_at"
	FieldTripStartedAt    = "trip_started_at"
	FieldCompletedAt      = "completed_at"
	FieldCancelledAt      = "cancelled_at"
	FieldExpiredAt        = "expired_at"
)

// Location is a coordinate plus its display label
type Location struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
}

// DriverSnapshot is the driver profile copied onto the order at acceptance
// time. It is intentionally not a live reference: the driver's profile may
// change after the trip, the order keeps what was true when it was claimed.
type DriverSnapshot struct {
	Name        string `json:"name"`
	VehicleType string `json:"vehicle_type"`
	PlateNumber string `json:"plate_number"`
}

// Order represents a ride request and its dispatch lifecycle
type Order struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	Pickup             Location        `json:"pickup"`
	Destination        Location        `json:"destination"`
	Status             Status          `json:"status"`
	AssignedDriverID   *string         `json:"assigned_driver_id,omitempty"`
	AssignedDriverData *DriverSnapshot `json:"assigned_driver_data,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	AcceptedAt         *time.Time      `json:"accepted_at,omitempty"`
	DriverComingAt     *time.Time      `json:"driver_coming_at,omitempty"`
	DriverArrivedAt    *time.Time      `json:"driver_arrived_at,omitempty"`
	TripStartedAt      *time.Time      `json:"trip_started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	ExpiredAt          *time.Time      `json:"expired_at,omitempty"`
}

// Errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
)

// successors is the full transition graph. Every edge moves forward;
// nothing ever points back at an earlier status.
var successors = map[Status][]Status{
	StatusWaiting:       {StatusAccepted, StatusCancelled, StatusExpired},
	StatusAccepted:      {StatusDriverComing, StatusCancelled},
	StatusDriverComing:  {StatusDriverArrived},
	StatusDriverArrived: {StatusInProgress},
	StatusInProgress:    {StatusCompleted},
	StatusCompleted:     nil,
	StatusCancelled:     nil,
	StatusExpired:       nil,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := successors[s]
	return ok
}

// Terminal reports whether s admits no further transitions
func (s Status) Terminal() bool {
	next, ok := successors[s]
	return ok && len(next) == 0
}

// CanTransition reports whether to is a direct successor of from
func CanTransition(from, to Status) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Successors returns the statuses reachable in one step from s
func Successors(s Status) []Status {
	next := successors[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// TimestampField returns the store field stamped when an order enters s,
// or "" for the initial status which is stamped by created_at.
func TimestampField(s Status) string {
	switch s {
	case StatusAccepted:
		return FieldAcceptedAt
	case StatusDriverComing:
		return FieldDriverComingAt
	case StatusDriverArrived:
		return FieldDriverArrivedAt
	case StatusInProgress:
		return FieldTripStartedAt
	case StatusCompleted:
		return FieldCompletedAt
	case StatusCancelled:
		return FieldCancelledAt
	case StatusExpired:
		return FieldExpiredAt
	default:
		return ""
	}
}

// Assigned reports whether the order carries a driver assignment
func (o *Order) Assigned() bool {
	return o.AssignedDriverID != nil && *o.AssignedDriverID != ""
}

// Terminal reports whether the order has reached a terminal status
func (o *Order) Terminal() bool {
	return o.Status.Terminal()
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate a shared document.
func (o *Order) Clone() *Order {
	c := *o
	if o.AssignedDriverID != nil {
		id := *o.AssignedDriverID
		c.AssignedDriverID = &id
	}
	if o.AssignedDriverData != nil {
		snap := *o.AssignedDriverData
		c.AssignedDriverData = &snap
	}
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.DriverComingAt = cloneTime(o.DriverComingAt)
	c.DriverArrivedAt = cloneTime(o.DriverArrivedAt)
	c.TripStartedAt = cloneTime(o.TripStartedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	c.ExpiredAt = cloneTime(o.ExpiredAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
