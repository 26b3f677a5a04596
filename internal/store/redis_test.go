package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/swiftcab/dispatch/internal/domain/order"
)

func TestPlanIndex_StatusScanCoversWindowedFeed(t *testing.T) {
	p := planIndex(Query{
		Filters: []Filter{
			Eq(order.FieldStatus, order.StatusWaiting),
			Within(order.FieldCreatedAt, 30*time.Minute),
		},
	})
	assert.Equal(t, "waiting", p.status)
	assert.Empty(t, p.user)
	assert.False(t, p.residual, "status scan plus score range fully covers the feed query, so the page cap may apply at scan time")
}

func TestPlanIndex_UserScanCoversWatchQuery(t *testing.T) {
	p := planIndex(Query{
		Filters: []Filter{Eq(order.FieldUserID, "usr-1")},
	})
	assert.Equal(t, "usr-1", p.user)
	assert.False(t, p.residual)
}

func TestPlanIndex_ExtraEqualityFilterStaysResidual(t *testing.T) {
	// the user index narrows the scan, but the driver filter still has to
	// be re-checked per document, so the scan must not apply the page cap
	p := planIndex(Query{
		Filters: []Filter{
			Eq(order.FieldUserID, "usr-1"),
			Eq(order.FieldAssignedDriverID, "drv-1"),
		},
	})
	assert.Equal(t, "usr-1", p.user)
	assert.True(t, p.residual)
}

func TestPlanIndex_StatusAndUserTogether(t *testing.T) {
	p := planIndex(Query{
		Filters: []Filter{
			Eq(order.FieldStatus, order.StatusWaiting),
			Eq(order.FieldUserID, "usr-1"),
		},
	})
	assert.Equal(t, "waiting", p.status, "status index serves the scan")
	assert.True(t, p.residual, "user filter is re-checked post-fetch")
}

func TestPlanIndex_BeforeOnCreatedAtIsCovered(t *testing.T) {
	p := planIndex(Query{
		Filters: []Filter{
			Eq(order.FieldStatus, order.StatusWaiting),
			Before(order.FieldCreatedAt, time.Now().Add(-30*time.Minute)),
		},
	})
	assert.False(t, p.residual, "sweeper candidate query is index-covered")
}

func TestPlanIndex_RangeOnOtherFieldIsResidual(t *testing.T) {
	p := planIndex(Query{
		Filters: []Filter{
			Eq(order.FieldStatus, order.StatusWaiting),
			Before(order.FieldUpdatedAt, time.Now()),
		},
	})
	assert.True(t, p.residual, "only created_at ranges map onto the ZSET score")
}
