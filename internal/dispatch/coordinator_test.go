package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/identity"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/logger"
)

func testFixture(t *testing.T) (*store.Memory, *identity.StaticProfiles, *Coordinator) {
	t.Helper()
	mem := store.NewMemory()
	profiles := identity.NewStaticProfiles()
	profiles.Put("drv-1", order.DriverSnapshot{Name: "Dana", VehicleType: "sedan", PlateNumber: "AB-123"})
	profiles.Put("drv-2", order.DriverSnapshot{Name: "Sam", VehicleType: "van", PlateNumber: "CD-456"})
	coord := NewCoordinator(mem, profiles, nil, logger.NewNop())
	return mem, profiles, coord
}

func createWaiting(t *testing.T, coord *Coordinator, userID string) *order.Order {
	t.Helper()
	o, err := coord.CreateOrder(context.Background(), userID,
		order.Location{Lat: 13.75, Lng: 100.5, Label: "Victory Monument"},
		order.Location{Lat: 13.73, Lng: 100.53, Label: "Lumphini Park"},
	)
	require.NoError(t, err)
	require.Equal(t, order.StatusWaiting, o.Status)
	return o
}

func TestCreateOrder_StartsWaiting(t *testing.T) {
	_, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "usr-1", o.UserID)
	assert.Nil(t, o.AssignedDriverID)
	assert.False(t, o.CreatedAt.IsZero())
	assert.True(t, o.UpdatedAt.Equal(o.CreatedAt))
}

func TestAcceptOrder_Success(t *testing.T) {
	mem, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	accepted, err := coord.AcceptOrder(context.Background(), o.ID, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AssignedDriverID)
	assert.Equal(t, "drv-1", *accepted.AssignedDriverID)
	require.NotNil(t, accepted.AssignedDriverData)
	assert.Equal(t, "Dana", accepted.AssignedDriverData.Name)
	assert.Equal(t, "AB-123", accepted.AssignedDriverData.PlateNumber)
	require.NotNil(t, accepted.AcceptedAt)

	stored, err := mem.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAccepted, stored.Status)
}

func TestAcceptOrder_SecondClaimLoses(t *testing.T) {
	mem, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	_, err := coord.AcceptOrder(context.Background(), o.ID, "drv-1")
	require.NoError(t, err)

	_, err = coord.AcceptOrder(context.Background(), o.ID, "drv-2")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	stored, err := mem.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "drv-1", *stored.AssignedDriverID)
	assert.Equal(t, "Dana", stored.AssignedDriverData.Name, "loser left no partial write")
}

// TestAcceptOrder_ConcurrentClaims_ExactlyOneWins is the single-assignment
// property: any number of racing drivers, exactly one Success.
func TestAcceptOrder_ConcurrentClaims_ExactlyOneWins(t *testing.T) {
	mem := store.NewMemory()
	profiles := identity.NewStaticProfiles()
	coord := NewCoordinator(mem, profiles, nil, logger.NewNop())

	const racers = 24
	driverIDs := make([]string, racers)
	for i := range driverIDs {
		driverIDs[i] = "drv-" + string(rune('a'+i))
		profiles.Put(driverIDs[i], order.DriverSnapshot{Name: "Driver " + driverIDs[i], VehicleType: "sedan", PlateNumber: "ZZ-000"})
	}

	o := createWaiting(t, coord, "usr-1")

	var wg sync.WaitGroup
	winners := make(chan string, racers)
	losses := make(chan error, racers)
	for _, d := range driverIDs {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := coord.AcceptOrder(context.Background(), o.ID, driverID)
			if err == nil {
				winners <- driverID
			} else {
				losses <- err
			}
		}(d)
	}
	wg.Wait()
	close(winners)
	close(losses)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	require.Len(t, won, 1, "exactly one claim may win")

	for err := range losses {
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	}

	stored, err := mem.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, won[0], *stored.AssignedDriverID)
}

func TestAcceptOrder_MissingProfile(t *testing.T) {
	mem, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	_, err := coord.AcceptOrder(context.Background(), o.ID, "drv-unknown")
	assert.ErrorIs(t, err, ErrDriverProfileMissing)

	stored, err := mem.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusWaiting, stored.Status, "failed profile lookup must not touch the order")
}

func TestAcceptOrder_NotFound(t *testing.T) {
	_, _, coord := testFixture(t)
	_, err := coord.AcceptOrder(context.Background(), "no-such-order", "drv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdvanceStatus_FullTrip(t *testing.T) {
	_, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	_, err := coord.AcceptOrder(context.Background(), o.ID, "drv-1")
	require.NoError(t, err)

	steps := []struct {
		target order.Status
		stamp  func(*order.Order) *time.Time
	}{
		{order.StatusDriverComing, func(o *order.Order) *time.Time { return o.DriverComingAt }},
		{order.StatusDriverArrived, func(o *order.Order) *time.Time { return o.DriverArrivedAt }},
		{order.StatusInProgress, func(o *order.Order) *time.Time { return o.TripStartedAt }},
		{order.StatusCompleted, func(o *order.Order) *time.Time { return o.CompletedAt }},
	}

	prev := time.Time{}
	for _, step := range steps {
		updated, err := coord.AdvanceStatus(context.Background(), o.ID, step.target)
		require.NoError(t, err, "advance to %s", step.target)
		assert.Equal(t, step.target, updated.Status)
		require.NotNil(t, step.stamp(updated), "%s must stamp its timestamp", step.target)
		assert.False(t, updated.UpdatedAt.Before(prev), "updated_at is monotonic")
		prev = updated.UpdatedAt
	}
}

func TestAdvanceStatus_RejectsIllegalEdges(t *testing.T) {
	mem, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	tests := []struct {
		name   string
		target order.Status
	}{
		{"skip to driver_coming", order.StatusDriverComing},
		{"skip to in_progress", order.StatusInProgress},
		{"skip to completed", order.StatusCompleted},
		{"self transition", order.StatusWaiting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coord.AdvanceStatus(context.Background(), o.ID, tt.target)
			assert.ErrorIs(t, err, order.ErrInvalidTransition)

			stored, gerr := mem.Get(context.Background(), o.ID)
			require.NoError(t, gerr)
			assert.Equal(t, order.StatusWaiting, stored.Status, "rejected transition must not mutate the store")
		})
	}
}

func TestAdvanceStatus_NoBackwardMoves(t *testing.T) {
	_, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	_, err := coord.AcceptOrder(context.Background(), o.ID, "drv-1")
	require.NoError(t, err)
	_, err = coord.AdvanceStatus(context.Background(), o.ID, order.StatusDriverComing)
	require.NoError(t, err)

	_, err = coord.AdvanceStatus(context.Background(), o.ID, order.StatusAccepted)
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestCancel_FromWaitingAndAccepted(t *testing.T) {
	_, _, coord := testFixture(t)

	o1 := createWaiting(t, coord, "usr-1")
	cancelled, err := coord.Cancel(context.Background(), o1.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	o2 := createWaiting(t, coord, "usr-1")
	_, err = coord.AcceptOrder(context.Background(), o2.ID, "drv-1")
	require.NoError(t, err)
	cancelled, err = coord.Cancel(context.Background(), o2.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
}

func TestCancel_TooLate(t *testing.T) {
	_, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	_, err := coord.AcceptOrder(context.Background(), o.ID, "drv-1")
	require.NoError(t, err)
	_, err = coord.AdvanceStatus(context.Background(), o.ID, order.StatusDriverComing)
	require.NoError(t, err)

	_, err = coord.Cancel(context.Background(), o.ID)
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestAcceptOrder_ExpiredOrderCannotBeClaimed(t *testing.T) {
	mem, _, coord := testFixture(t)
	o := createWaiting(t, coord, "usr-1")

	now := time.Now()
	_, err := mem.ConditionalUpdate(context.Background(), o.ID,
		store.Fields{order.FieldStatus: order.StatusWaiting},
		store.Fields{order.FieldStatus: order.StatusExpired, order.FieldExpiredAt: now, order.FieldUpdatedAt: now})
	require.NoError(t, err)

	_, err = coord.AcceptOrder(context.Background(), o.ID, "drv-1")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}
