package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swiftcab/dispatch/internal/domain/order"
)

// Memory is an in-process Store. It backs tests and single-node local runs;
// its conditional update runs under one mutex, which gives it the same
// atomicity the networked backends get from Lua / SQL.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
	subs   map[*memorySub]struct{}
	now    func() time.Time
}

type memorySub struct {
	query  Query
	sub    *Subscription
	notify chan struct{}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*order.Order),
		subs:   make(map[*memorySub]struct{}),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock, for tests
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Create stores a new order, assigning id and creation timestamps when unset
func (m *Memory) Create(ctx context.Context, o *order.Order) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	c := o.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if _, exists := m.orders[c.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("order %s already exists", c.ID)
	}
	m.orders[c.ID] = c
	out := c.Clone()
	m.mu.Unlock()

	m.wake()
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evaluate(q), nil
}

// evaluate runs a query against current state. Callers hold at least a
// read lock.
func (m *Memory) evaluate(q Query) []*order.Order {
	now := m.now()
	var out []*order.Order
	for _, o := range m.orders {
		if matches(o, q, now) {
			out = append(out, o.Clone())
		}
	}
	return sortAndLimit(out, q)
}

// ConditionalUpdate applies patch iff every expected field still matches
func (m *Memory) ConditionalUpdate(ctx context.Context, id string, expected, patch Fields) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	cur, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	for field, want := range expected {
		if !fieldEqual(fieldValue(cur, field), want) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: field %q changed", ErrPreconditionFailed, field)
		}
	}

	next := cur.Clone()
	for field, value := range patch {
		if err := applyField(next, field, value); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.orders[id] = next
	out := next.Clone()
	m.mu.Unlock()

	m.wake()
	return out, nil
}

// Subscribe opens a live full-snapshot stream for q
func (m *Memory) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ms := &memorySub{
		query:  q,
		sub:    newSubscription(cancel),
		notify: make(chan struct{}, 1),
	}

	m.mu.Lock()
	m.subs[ms] = struct{}{}
	m.mu.Unlock()

	go m.run(ctx, ms)
	return ms.sub, nil
}

// run delivers the initial snapshot and then one fresh snapshot per wake-up.
// Wake-ups coalesce: a burst of writes produces at least one snapshot that
// reflects all of them, not necessarily one snapshot per write.
func (m *Memory) run(ctx context.Context, ms *memorySub) {
	defer func() {
		m.mu.Lock()
		delete(m.subs, ms)
		m.mu.Unlock()
		ms.sub.finish(nil)
	}()

	for {
		m.mu.RLock()
		snap := m.evaluate(ms.query)
		m.mu.RUnlock()

		if !ms.sub.deliver(ctx, snap) {
			return
		}

		select {
		case <-ms.notify:
		case <-ctx.Done():
			return
		}
	}
}

// wake nudges every live subscription after a committed write
func (m *Memory) wake() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ms := range m.subs {
		select {
		case ms.notify <- struct{}{}:
		default:
		}
	}
}

// applyField writes one patch entry onto an order
func applyField(o *order.Order, field string, value interface{}) error {
	switch field {
	case order.FieldStatus:
		switch v := value.(type) {
		case order.Status:
			o.Status = v
		case string:
			o.Status = order.Status(v)
		default:
			return fmt.Errorf("patch %s: want status, got %T", field, value)
		}
	case order.FieldAssignedDriverID:
		if value == nil {
			o.AssignedDriverID = nil
			return nil
		}
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("patch %s: want string, got %T", field, value)
		}
		o.AssignedDriverID = &v
	case order.FieldAssignedDriver:
		switch v := value.(type) {
		case nil:
			o.AssignedDriverData = nil
		case *order.DriverSnapshot:
			snap := *v
			o.AssignedDriverData = &snap
		case order.DriverSnapshot:
			o.AssignedDriverData = &v
		default:
			return fmt.Errorf("patch %s: want driver snapshot, got %T", field, value)
		}
	case order.FieldUpdatedAt, order.FieldAcceptedAt, order.FieldDriverComingAt,
		order.FieldDriverArrivedAt, order.FieldTripStartedAt,
		order.FieldCompletedAt, order.FieldCancelledAt, order.FieldExpiredAt:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("patch %s: want time, got %T", field, value)
		}
		setTimestamp(o, field, t)
	default:
		return fmt.Errorf("patch %s: unknown or immutable field", field)
	}
	return nil
}

func setTimestamp(o *order.Order, field string, t time.Time) {
	switch field {
	case order.FieldUpdatedAt:
		o.UpdatedAt = t
	case order.FieldAcceptedAt:
		o.AcceptedAt = &t
	case order.FieldDriverComingAt:
		o.DriverComingAt = &t
	case order.FieldDriverArrivedAt:
		o.DriverArrivedAt = &t
	case order.FieldTripStartedAt:
		o.TripStartedAt = &t
	case order.FieldCompletedAt:
		o.CompletedAt = &t
	case order.FieldCancelledAt:
		o.CancelledAt = &t
	case order.FieldExpiredAt:
		o.ExpiredAt = &t
	}
}
