package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestStatusGraph_ForwardOnly verifies no status is reachable from any of
// its own successors (directly or transitively).
func TestStatusGraph_ForwardOnly(t *testing.T) {
	all := []Status{
		StatusWaiting, StatusAccepted, StatusDriverComing,
		StatusDriverArrived, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusExpired,
	}

	// reachable computes the transitive closure from s
	var reachable func(s Status, seen map[Status]bool)
	reachable = func(s Status, seen map[Status]bool) {
		for _, n := range Successors(s) {
			if !seen[n] {
				seen[n] = true
				reachable(n, seen)
			}
		}
	}

	for _, s := range all {
		seen := map[Status]bool{}
		reachable(s, seen)
		assert.False(t, seen[s], "status %s must not be reachable from itself", s)
	}
}

func TestCanTransition_HappyPath(t *testing.T) {
	path := []Status{
		StatusWaiting, StatusAccepted, StatusDriverComing,
		StatusDriverArrived, StatusInProgress, StatusCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]),
			"%s -> %s should be legal", path[i], path[i+1])
	}
}

func TestCanTransition_AlternateEdges(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"waiting can expire", StatusWaiting, StatusExpired, true},
		{"waiting can cancel", StatusWaiting, StatusCancelled, true},
		{"accepted can cancel", StatusAccepted, StatusCancelled, true},
		{"driver_coming cannot cancel", StatusDriverComing, StatusCancelled, false},
		{"accepted cannot expire", StatusAccepted, StatusExpired, false},
		{"no backward move", StatusDriverArrived, StatusAccepted, false},
		{"no skip ahead", StatusWaiting, StatusInProgress, false},
		{"terminal is terminal", StatusCompleted, StatusWaiting, false},
		{"self loop rejected", StatusWaiting, StatusWaiting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, Status("bogus").Terminal(), "unknown status is not terminal")
}

func TestTimestampField_CoversEveryNonInitialStatus(t *testing.T) {
	want := map[Status]string{
		StatusAccepted:      FieldAcceptedAt,
		StatusDriverComing:  FieldDriverComingAt,
		StatusDriverArrived: FieldDriverArrivedAt,
		StatusInProgress:    FieldTripStartedAt,
		StatusCompleted:     FieldCompletedAt,
		StatusCancelled:     FieldCancelledAt,
		StatusExpired:       FieldExpiredAt,
	}
	for s, field := range want {
		assert.Equal(t, field, TimestampField(s))
	}
	assert.Empty(t, TimestampField(StatusWaiting), "creation is stamped by created_at")
}

func TestOrder_Clone_IsDeep(t *testing.T) {
	driverID := "drv-1"
	now := time.Now()
	o := &Order{
		ID:                 "ord-1",
		UserID:             "usr-1",
		Status:             StatusAccepted,
		AssignedDriverID:   &driverID,
		AssignedDriverData: &DriverSnapshot{Name: "Dana", VehicleType: "sedan", PlateNumber: "AB-123"},
		CreatedAt:          now,
		UpdatedAt:          now,
		AcceptedAt:         &now,
	}

	c := o.Clone()
	*c.AssignedDriverID = "drv-2"
	c.AssignedDriverData.Name = "Mallory"
	*c.AcceptedAt = now.Add(time.Hour)

	assert.Equal(t, "drv-1", *o.AssignedDriverID)
	assert.Equal(t, "Dana", o.AssignedDriverData.Name)
	assert.True(t, o.AcceptedAt.Equal(now))
}
