package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/logger"
)

func TestSweep_ExpiresOnlyStaleWaitingOrders(t *testing.T) {
	mem := store.NewMemory()
	stale := seedWaiting(t, mem, "usr-1", 31*time.Minute)
	fresh := seedWaiting(t, mem, "usr-1", 5*time.Minute)

	s := NewSweeper(mem, logger.NewNop(), 30*time.Minute)
	count, err := s.Sweep(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := mem.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, got.Status)
	require.NotNil(t, got.ExpiredAt)

	got, err = mem.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusWaiting, got.Status, "fresh order untouched")
}

func TestSweep_IsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	seedWaiting(t, mem, "usr-1", time.Hour)

	s := NewSweeper(mem, logger.NewNop(), 30*time.Minute)

	count, err := s.Sweep(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.Sweep(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "re-sweeping an expired order is a no-op")
}

// TestSweep_ConcurrentSweepers: two sessions sweeping at once must produce
// exactly one expired transition per order, with no errors.
func TestSweep_ConcurrentSweepers(t *testing.T) {
	mem := store.NewMemory()
	const stale = 8
	for i := 0; i < stale; i++ {
		seedWaiting(t, mem, "usr-1", time.Hour)
	}

	s1 := NewSweeper(mem, logger.NewNop(), 30*time.Minute)
	s2 := NewSweeper(mem, logger.NewNop(), 30*time.Minute)

	var wg sync.WaitGroup
	counts := make(chan int, 2)
	for _, s := range []*Sweeper{s1, s2} {
		wg.Add(1)
		go func(sw *Sweeper) {
			defer wg.Done()
			n, err := sw.Sweep(context.Background(), "")
			assert.NoError(t, err, "losing a per-order race is not an error")
			counts <- n
		}(s)
	}
	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	assert.Equal(t, stale, total, "each order expired exactly once across both sweepers")
}

func TestSweep_ScopedToRequester(t *testing.T) {
	mem := store.NewMemory()
	mine := seedWaiting(t, mem, "usr-1", time.Hour)
	other := seedWaiting(t, mem, "usr-2", time.Hour)

	s := NewSweeper(mem, logger.NewNop(), 30*time.Minute)
	count, err := s.Sweep(context.Background(), "usr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := mem.Get(context.Background(), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, got.Status)

	got, err = mem.Get(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusWaiting, got.Status, "out-of-scope order untouched")
}

func TestSweep_ClaimedOrderEscapesTheSweep(t *testing.T) {
	mem := store.NewMemory()
	o := seedWaiting(t, mem, "usr-1", time.Hour)

	// a driver claims between the sweeper's query and its write
	now := time.Now()
	_, err := mem.ConditionalUpdate(context.Background(), o.ID,
		store.Fields{order.FieldStatus: order.StatusWaiting},
		store.Fields{order.FieldStatus: order.StatusAccepted, order.FieldAssignedDriverID: "drv-1", order.FieldUpdatedAt: now})
	require.NoError(t, err)

	s := NewSweeper(mem, logger.NewNop(), 30*time.Minute)
	count, err := s.Sweep(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := mem.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAccepted, got.Status, "claim survives the sweep")
}
