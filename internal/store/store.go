package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/swiftcab/dispatch/internal/domain/order"
)

// Errors
var (
	ErrNotFound           = errors.New("order not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUnavailable        = errors.New("store unavailable")
)

// Op is a filter operator
type Op string

const (
	// OpEq matches a field by equality. A nil value matches an absent field.
	OpEq Op = "eq"
	// OpWithin matches created_at within a duration of the wall clock,
	// re-evaluated every time the query runs.
	OpWithin Op = "within"
	// OpBefore matches created_at strictly before an instant.
	OpBefore Op = "before"
)

// Filter is a single query predicate
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// Eq builds an equality filter
func Eq(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Within builds a freshness filter on a timestamp field
func Within(field string, d time.Duration) Filter {
	return Filter{Field: field, Op: OpWithin, Value: d}
}

// Before builds a staleness filter on a timestamp field
func Before(field string, t time.Time) Filter {
	return Filter{Field: field, Op: OpBefore, Value: t}
}

// Query describes a restartable point query or the shape of a subscription.
// Results are always ordered by created_at; Desc selects newest-first.
// Limit 0 means unbounded.
type Query struct {
	Filters []Filter
	Desc    bool
	Limit   int
}

// Fields maps store field names to values for conditional updates.
// In an expected set, a nil value asserts the field is absent.
type Fields map[string]interface{}

// Store is the document-store contract the dispatch core runs on.
//
// ConditionalUpdate is the only mutation primitive for existing orders:
// it applies patch atomically, and only if every expected field still holds
// its stated value at apply time. That check-then-set is what makes a
// concurrent double-claim impossible, so no backend may ever fall back to an
// unconditional overwrite.
type Store interface {
	Create(ctx context.Context, o *order.Order) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	Query(ctx context.Context, q Query) ([]*order.Order, error)
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
	ConditionalUpdate(ctx context.Context, id string, expected, patch Fields) (*order.Order, error)
}

// Subscription is a live stream of full result-set snapshots. Every emission
// is the complete current matching set, never a diff. Snapshots for one
// subscription are delivered sequentially; the channel closes after Cancel
// or when the backend fails, in which case Err reports why.
type Subscription struct {
	snapshots chan []*order.Order
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func newSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{
		snapshots: make(chan []*order.Order, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Snapshots returns the snapshot channel
func (s *Subscription) Snapshots() <-chan []*order.Order {
	return s.snapshots
}

// Done returns a channel closed when the stream has ended, whether by
// Cancel or by a backend failure. Consumers forwarding snapshots elsewhere
// select on it so an abandoned downstream cannot wedge them.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended, nil after a plain Cancel.
// Only valid once the snapshot channel has closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel stops snapshot delivery and releases the backend subscription.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// finish closes the stream. Called exactly once by the delivering goroutine.
func (s *Subscription) finish(err error) {
	s.err = err
	close(s.done)
	close(s.snapshots)
}

// deliver sends one snapshot unless the subscription context ended first
func (s *Subscription) deliver(ctx context.Context, snap []*order.Order) bool {
	select {
	case s.snapshots <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// matches evaluates every filter in q against o at instant now
func matches(o *order.Order, q Query, now time.Time) bool {
	for _, f := range q.Filters {
		if !matchFilter(o, f, now) {
			return false
		}
	}
	return true
}

func matchFilter(o *order.Order, f Filter, now time.Time) bool {
	switch f.Op {
	case OpEq:
		return fieldEqual(fieldValue(o, f.Field), f.Value)
	case OpWithin:
		d, ok := f.Value.(time.Duration)
		if !ok {
			return false
		}
		t, ok := fieldValue(o, f.Field).(time.Time)
		return ok && !t.Before(now.Add(-d))
	case OpBefore:
		cut, ok := f.Value.(time.Time)
		if !ok {
			return false
		}
		t, ok := fieldValue(o, f.Field).(time.Time)
		return ok && t.Before(cut)
	default:
		return false
	}
}

// fieldValue resolves a store field name against an order. Unknown fields
// resolve to nil, which only an explicit nil-equality filter matches.
func fieldValue(o *order.Order, field string) interface{} {
	switch field {
	case order.FieldStatus:
		return string(o.Status)
	case order.FieldUserID:
		return o.UserID
	case order.FieldAssignedDriverID:
		if o.AssignedDriverID == nil {
			return nil
		}
		return *o.AssignedDriverID
	case order.FieldAssignedDriver:
		if o.AssignedDriverData == nil {
			return nil
		}
		return *o.AssignedDriverData
	case order.FieldCreatedAt:
		return o.CreatedAt
	case order.FieldUpdatedAt:
		return o.UpdatedAt
	case order.FieldAcceptedAt:
		return timeValue(o.AcceptedAt)
	case order.FieldDriverComingAt:
		return timeValue(o.DriverComingAt)
	case order.FieldDriverArrivedAt:
		return timeValue(o.DriverArrivedAt)
	case order.FieldTripStartedAt:
		return timeValue(o.TripStartedAt)
	case order.FieldCompletedAt:
		return timeValue(o.CompletedAt)
	case order.FieldCancelledAt:
		return timeValue(o.CancelledAt)
	case order.FieldExpiredAt:
		return timeValue(o.ExpiredAt)
	default:
		return nil
	}
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func fieldEqual(have, want interface{}) bool {
	if want == nil || have == nil {
		return want == nil && have == nil
	}
	if ht, ok := have.(time.Time); ok {
		wt, ok := want.(time.Time)
		return ok && ht.Equal(wt)
	}
	// status filters may carry either the enum or its string form
	if ws, ok := want.(order.Status); ok {
		want = string(ws)
	}
	if hs, ok := have.(order.Status); ok {
		have = string(hs)
	}
	return have == want
}

// sortAndLimit orders a result set by created_at and applies the page cap
func sortAndLimit(orders []*order.Order, q Query) []*order.Order {
	sort.SliceStable(orders, func(i, j int) bool {
		if q.Desc {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	if q.Limit > 0 && len(orders) > q.Limit {
		orders = orders[:q.Limit]
	}
	return orders
}
