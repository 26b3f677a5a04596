package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/events"
	"github.com/swiftcab/dispatch/internal/identity"
	"github.com/swiftcab/dispatch/internal/observability"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/logger"
)

// Errors
var (
	// ErrAlreadyClaimed means another driver won the claim, or the order
	// left waiting concurrently. Expected under load, never a bug; the
	// caller must re-fetch a fresh list rather than retry the same claim.
	ErrAlreadyClaimed = errors.New("order already claimed")

	// ErrDriverProfileMissing means the driver's profile document could not
	// be resolved, so the acceptance snapshot cannot be built.
	ErrDriverProfileMissing = errors.New("driver profile missing")
)

// Coordinator owns every mutation of an order after creation. All writes go
// through the store's conditional update; there is deliberately no code path
// that writes an order unconditionally.
type Coordinator struct {
	store    store.Store
	profiles identity.ProfileSource
	events   events.Publisher
	log      *logger.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator. A nil publisher disables event
// emission.
func NewCoordinator(st store.Store, profiles identity.ProfileSource, pub events.Publisher, log *logger.Logger) *Coordinator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Coordinator{
		store:    st,
		profiles: profiles,
		events:   pub,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, for tests
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// CreateOrder stores a new request in status waiting
func (c *Coordinator) CreateOrder(ctx context.Context, requesterID string, pickup, destination order.Location) (*order.Order, error) {
	now := c.now()
	o, err := c.store.Create(ctx, &order.Order{
		UserID:      requesterID,
		Pickup:      pickup,
		Destination: destination,
		Status:      order.StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}

	observability.OrdersCreatedTotal.Inc()
	c.log.Info("Order created",
		logger.String("order_id", o.ID),
		logger.String("user_id", requesterID),
	)
	c.publish(ctx, "order_created", o)
	return o, nil
}

// GetOrder fetches a single order by id
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return c.store.Get(ctx, orderID)
}

// AcceptOrder lets a driver claim an order. Under concurrent claims by
// multiple drivers at most one succeeds; every loser gets ErrAlreadyClaimed
// and no side effect.
func (c *Coordinator) AcceptOrder(ctx context.Context, orderID, driverID string) (*order.Order, error) {
	snap, err := c.profiles.DriverProfile(ctx, driverID)
	if err != nil {
		if errors.Is(err, identity.ErrProfileNotFound) {
			return nil, fmt.Errorf("%w: driver %s", ErrDriverProfileMissing, driverID)
		}
		return nil, err
	}

	now := c.now()
	updated, err := c.store.ConditionalUpdate(ctx, orderID,
		store.Fields{
			order.FieldStatus:           order.StatusWaiting,
			order.FieldAssignedDriverID: nil,
		},
		store.Fields{
			order.FieldStatus:           order.StatusAccepted,
			order.FieldAssignedDriverID: driverID,
			order.FieldAssignedDriver:   snap,
			order.FieldAcceptedAt:       now,
			order.FieldUpdatedAt:        now,
		})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			observability.AcceptConflicts.Inc()
			c.log.Info("Claim lost to concurrent winner",
				logger.String("order_id", orderID),
				logger.String("driver_id", driverID),
			)
			return nil, fmt.Errorf("%w: order %s", ErrAlreadyClaimed, orderID)
		}
		return nil, err
	}

	observability.AcceptsTotal.Inc()
	c.log.Info("Order claimed",
		logger.String("order_id", orderID),
		logger.String("driver_id", driverID),
	)
	c.publish(ctx, "order_accepted", updated)
	return updated, nil
}

// AdvanceStatus moves an order one step along the state graph, stamping the
// transition timestamp. A lost race on the current status surfaces as
// ErrInvalidTransition: by the time we looked again, the requested edge no
// longer existed.
func (c *Coordinator) AdvanceStatus(ctx context.Context, orderID string, target order.Status) (*order.Order, error) {
	cur, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.CanTransition(cur.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, cur.Status, target)
	}

	now := c.now()
	patch := store.Fields{
		order.FieldStatus:    target,
		order.FieldUpdatedAt: now,
	}
	if f := order.TimestampField(target); f != "" {
		patch[f] = now
	}

	updated, err := c.store.ConditionalUpdate(ctx, orderID,
		store.Fields{order.FieldStatus: cur.Status},
		patch)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			fresh, gerr := c.store.Get(ctx, orderID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, fmt.Errorf("%w: status moved to %s concurrently", order.ErrInvalidTransition, fresh.Status)
		}
		return nil, err
	}

	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	c.log.Info("Order status advanced",
		logger.String("order_id", orderID),
		logger.String("from", string(cur.Status)),
		logger.String("to", string(target)),
	)
	c.publish(ctx, "order_"+string(target), updated)
	return updated, nil
}

// Cancel takes the requester-side cancellation edge. Legal only from
// waiting or accepted.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) (*order.Order, error) {
	return c.AdvanceStatus(ctx, orderID, order.StatusCancelled)
}

func (c *Coordinator) publish(ctx context.Context, eventType string, o *order.Order) {
	ev := events.Event{
		Type:    eventType,
		OrderID: o.ID,
		UserID:  o.UserID,
		Status:  o.Status,
		At:      c.now(),
	}
	if o.AssignedDriverID != nil {
		ev.DriverID = *o.AssignedDriverID
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		c.log.Warn("Failed to publish lifecycle event",
			logger.String("order_id", o.ID),
			logger.String("type", eventType),
			logger.Err(err),
		)
	}
}
