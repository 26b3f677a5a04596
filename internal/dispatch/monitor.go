package dispatch

import (
	"context"

	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/logger"
)

// EventType identifies a requester-facing dispatch event
type EventType string

const (
	// EventMatched fires once, the first time an order is seen accepted
	// with a complete driver assignment.
	EventMatched EventType = "matched"
	// EventDriverComing fires once, the first time an order is seen in
	// driver_coming.
	EventDriverComing EventType = "driver_coming"
)

// Event is one edge-triggered notification for the UI layer
type Event struct {
	Type  EventType    `json:"type"`
	Order *order.Order `json:"order"`
}

// Update pairs a full snapshot of the requester's orders with the events
// that edge-triggered on this emission
type Update struct {
	Orders []*order.Order `json:"orders"`
	Events []Event        `json:"events"`
}

// Watcher is a live per-requester view. Cancel stops delivery and releases
// the underlying store subscription.
type Watcher struct {
	updates chan Update
	sub     *store.Subscription
}

// Updates returns the update channel; it closes when the watch ends
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Err reports why the watch ended, nil after a plain Cancel
func (w *Watcher) Err() error {
	return w.sub.Err()
}

// Cancel stops the watch
func (w *Watcher) Cancel() {
	w.sub.Cancel()
}

// orderSeen is the per-order edge-trigger memory: which events already fired
type orderSeen struct {
	matched bool
	coming  bool
	warned  bool
}

// Monitor watches a single requester's orders and raises matched /
// driver_coming exactly once per order, no matter how many unrelated
// snapshot refreshes arrive in between.
type Monitor struct {
	store store.Store
	log   *logger.Logger
}

// NewMonitor creates a requester monitor
func NewMonitor(st store.Store, log *logger.Logger) *Monitor {
	return &Monitor{store: st, log: log}
}

// Watch subscribes to all of the requester's orders, newest first. The only
// state it keeps is the last-seen map used for edge detection.
func (m *Monitor) Watch(ctx context.Context, requesterID string) (*Watcher, error) {
	sub, err := m.store.Subscribe(ctx, store.Query{
		Filters: []store.Filter{store.Eq(order.FieldUserID, requesterID)},
		Desc:    true,
	})
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		updates: make(chan Update, 1),
		sub:     sub,
	}

	go func() {
		defer close(w.updates)

		seen := make(map[string]*orderSeen)
		for snap := range sub.Snapshots() {
			evs := m.diff(requesterID, snap, seen)
			select {
			case w.updates <- Update{Orders: snap, Events: evs}:
			case <-sub.Done():
				// cancelled with a send in flight; the consumer may have
				// walked away without draining
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return w, nil
}

// diff computes the edge-triggered events for one snapshot
func (m *Monitor) diff(requesterID string, snap []*order.Order, seen map[string]*orderSeen) []Event {
	var evs []Event
	for _, o := range snap {
		st := seen[o.ID]
		if st == nil {
			st = &orderSeen{}
			seen[o.ID] = st
		}

		if o.Status == order.StatusAccepted && !st.matched {
			if o.Assigned() && o.AssignedDriverData != nil {
				st.matched = true
				evs = append(evs, Event{Type: EventMatched, Order: o})
			} else if !st.warned {
				// accepted without a complete driver snapshot: the claim
				// committed but the profile copy is gone or never landed.
				// No partial notification; operators need to know.
				st.warned = true
				m.log.Warn("Accepted order missing driver data, suppressing matched event",
					logger.String("order_id", o.ID),
					logger.String("user_id", requesterID),
					logger.Bool("has_driver_id", o.Assigned()),
				)
			}
		}

		if o.Status == order.StatusDriverComing && !st.coming {
			st.coming = true
			// an order can only reach driver_coming through accepted, so
			// a matched notification is implied even if we never saw the
			// accepted snapshot
			st.matched = true
			evs = append(evs, Event{Type: EventDriverComing, Order: o})
		}
	}
	return evs
}
