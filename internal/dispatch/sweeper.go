package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/observability"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/logger"
)

// Sweeper expires waiting orders older than the stale window. Safe to run
// from many sessions at once: each expiration is a conditional update keyed
// on status waiting, so a concurrent sweeper's duplicate write degrades to a
// logged no-op instead of an error.
type Sweeper struct {
	store  store.Store
	log    *logger.Logger
	window time.Duration
	now    func() time.Time
}

// NewSweeper creates a sweeper; window <= 0 gets the default stale window
func NewSweeper(st store.Store, log *logger.Logger, window time.Duration) *Sweeper {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	return &Sweeper{store: st, log: log, window: window, now: time.Now}
}

// SetClock overrides the wall clock, for tests
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep expires every stale waiting order in scope and returns how many it
// transitioned. An empty requesterID sweeps globally. Store failures surface
// to the caller; losing a per-order race to another sweeper does not.
func (s *Sweeper) Sweep(ctx context.Context, requesterID string) (int, error) {
	observability.SweepsTotal.Inc()

	now := s.now()
	filters := []store.Filter{
		store.Eq(order.FieldStatus, order.StatusWaiting),
		store.Before(order.FieldCreatedAt, now.Add(-s.window)),
	}
	if requesterID != "" {
		filters = append(filters, store.Eq(order.FieldUserID, requesterID))
	}

	stale, err := s.store.Query(ctx, store.Query{Filters: filters})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, o := range stale {
		_, err := s.store.ConditionalUpdate(ctx, o.ID,
			store.Fields{order.FieldStatus: order.StatusWaiting},
			store.Fields{
				order.FieldStatus:    order.StatusExpired,
				order.FieldExpiredAt: now,
				order.FieldUpdatedAt: now,
			})
		switch {
		case err == nil:
			count++
			observability.OrdersExpiredTotal.Inc()
		case errors.Is(err, store.ErrPreconditionFailed):
			// another sweeper got there first, or a driver claimed it at
			// the last moment
			s.log.Debug("Order left waiting before sweep reached it",
				logger.String("order_id", o.ID),
			)
		case errors.Is(err, store.ErrNotFound):
			s.log.Debug("Order vanished before sweep reached it",
				logger.String("order_id", o.ID),
			)
		default:
			return count, err
		}
	}

	if count > 0 {
		s.log.Info("Expired stale orders",
			logger.Int("count", count),
			logger.Duration("window", s.window),
		)
	}
	return count, nil
}

// Run sweeps on an interval until the context ends. Used by server
// deployments; client sessions call Sweep once at start instead.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx, ""); err != nil {
				s.log.Error("Sweep failed", logger.Err(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
