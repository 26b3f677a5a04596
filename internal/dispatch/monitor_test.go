package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/logger"
)

func nextUpdate(t *testing.T, w *Watcher) Update {
	t.Helper()
	select {
	case u, ok := <-w.Updates():
		require.True(t, ok, "watch closed unexpectedly: %v", w.Err())
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch update")
		return Update{}
	}
}

// collectEvents drains updates until the predicate is satisfied or the
// deadline passes, returning all events seen along the way. Snapshots may
// coalesce, so event counts matter more than update counts.
func collectEvents(t *testing.T, w *Watcher, until func(Update) bool) []Event {
	t.Helper()
	var evs []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-w.Updates():
			require.True(t, ok, "watch closed unexpectedly: %v", w.Err())
			evs = append(evs, u.Events...)
			if until(u) {
				return evs
			}
		case <-deadline:
			t.Fatal("watch never reached expected state")
			return nil
		}
	}
}

func claim(t *testing.T, mem *store.Memory, orderID, driverID string, withData bool) {
	t.Helper()
	now := time.Now()
	patch := store.Fields{
		order.FieldStatus:           order.StatusAccepted,
		order.FieldAssignedDriverID: driverID,
		order.FieldAcceptedAt:       now,
		order.FieldUpdatedAt:        now,
	}
	if withData {
		patch[order.FieldAssignedDriver] = &order.DriverSnapshot{Name: "Dana", VehicleType: "sedan", PlateNumber: "AB-123"}
	}
	_, err := mem.ConditionalUpdate(context.Background(), orderID,
		store.Fields{order.FieldStatus: order.StatusWaiting, order.FieldAssignedDriverID: nil},
		patch)
	require.NoError(t, err)
}

func TestWatch_MatchedFiresExactlyOnce(t *testing.T) {
	mem := store.NewMemory()
	o := seedWaiting(t, mem, "usr-1", time.Minute)

	m := NewMonitor(mem, logger.NewNop())
	w, err := m.Watch(context.Background(), "usr-1")
	require.NoError(t, err)
	defer w.Cancel()

	first := nextUpdate(t, w)
	require.Len(t, first.Orders, 1)
	assert.Empty(t, first.Events, "waiting order triggers nothing")

	claim(t, mem, o.ID, "drv-1", true)
	evs := collectEvents(t, w, func(u Update) bool {
		return len(u.Orders) == 1 && u.Orders[0].Status == order.StatusAccepted
	})
	require.Len(t, evs, 1)
	assert.Equal(t, EventMatched, evs[0].Type)
	assert.Equal(t, o.ID, evs[0].Order.ID)

	// an unrelated refresh while still accepted must not re-trigger
	now := time.Now()
	_, err = mem.ConditionalUpdate(context.Background(), o.ID,
		store.Fields{order.FieldStatus: order.StatusAccepted},
		store.Fields{order.FieldUpdatedAt: now.Add(time.Second)})
	require.NoError(t, err)

	evs = collectEvents(t, w, func(u Update) bool {
		return len(u.Orders) == 1 && u.Orders[0].UpdatedAt.After(now)
	})
	assert.Empty(t, evs, "matched is edge-triggered, not level-triggered")
}

func TestWatch_DriverComingFiresOnce(t *testing.T) {
	mem := store.NewMemory()
	o := seedWaiting(t, mem, "usr-1", time.Minute)

	m := NewMonitor(mem, logger.NewNop())
	w, err := m.Watch(context.Background(), "usr-1")
	require.NoError(t, err)
	defer w.Cancel()

	nextUpdate(t, w)

	claim(t, mem, o.ID, "drv-1", true)
	now := time.Now()
	_, err = mem.ConditionalUpdate(context.Background(), o.ID,
		store.Fields{order.FieldStatus: order.StatusAccepted},
		store.Fields{order.FieldStatus: order.StatusDriverComing, order.FieldDriverComingAt: now, order.FieldUpdatedAt: now})
	require.NoError(t, err)

	evs := collectEvents(t, w, func(u Update) bool {
		return len(u.Orders) == 1 && u.Orders[0].Status == order.StatusDriverComing
	})

	var coming int
	for _, ev := range evs {
		if ev.Type == EventDriverComing {
			coming++
		}
	}
	assert.Equal(t, 1, coming, "driver_coming fires exactly once")
}

func TestWatch_MissingDriverDataSuppressesMatched(t *testing.T) {
	mem := store.NewMemory()
	o := seedWaiting(t, mem, "usr-1", time.Minute)

	m := NewMonitor(mem, logger.NewNop())
	w, err := m.Watch(context.Background(), "usr-1")
	require.NoError(t, err)
	defer w.Cancel()

	nextUpdate(t, w)

	// claim committed but the profile snapshot never landed
	claim(t, mem, o.ID, "drv-1", false)
	evs := collectEvents(t, w, func(u Update) bool {
		return len(u.Orders) == 1 && u.Orders[0].Status == order.StatusAccepted
	})
	assert.Empty(t, evs, "no partial notification without driver data")
}

func TestWatch_OnlySeesOwnOrders(t *testing.T) {
	mem := store.NewMemory()
	seedWaiting(t, mem, "someone-else", time.Minute)
	mine := seedWaiting(t, mem, "usr-1", time.Second)

	m := NewMonitor(mem, logger.NewNop())
	w, err := m.Watch(context.Background(), "usr-1")
	require.NoError(t, err)
	defer w.Cancel()

	u := nextUpdate(t, w)
	require.Len(t, u.Orders, 1)
	assert.Equal(t, mine.ID, u.Orders[0].ID)
}

// TestWatch_CancelWithBackedUpUpdates cancels while updates sit undrained in
// the channel and a further send is in flight. The stream must still close;
// a consumer that walks away without draining must not wedge delivery.
func TestWatch_CancelWithBackedUpUpdates(t *testing.T) {
	mem := store.NewMemory()
	o := seedWaiting(t, mem, "usr-1", time.Minute)

	m := NewMonitor(mem, logger.NewNop())
	w, err := m.Watch(context.Background(), "usr-1")
	require.NoError(t, err)

	// first update fills the buffer; the follow-up write leaves a second
	// send pending with nobody reading
	now := time.Now()
	_, err = mem.ConditionalUpdate(context.Background(), o.ID,
		store.Fields{order.FieldStatus: order.StatusWaiting},
		store.Fields{order.FieldUpdatedAt: now})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	w.Cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-w.Updates():
			if !ok {
				assert.NoError(t, w.Err())
				return
			}
		case <-deadline:
			t.Fatal("updates did not close after cancel with a backed-up consumer")
		}
	}
}

func TestWatch_CancelClosesUpdates(t *testing.T) {
	mem := store.NewMemory()
	m := NewMonitor(mem, logger.NewNop())

	w, err := m.Watch(context.Background(), "usr-1")
	require.NoError(t, err)
	nextUpdate(t, w)
	w.Cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-w.Updates():
			if !ok {
				assert.NoError(t, w.Err())
				return
			}
		case <-deadline:
			t.Fatal("watch did not close after cancel")
		}
	}
}
