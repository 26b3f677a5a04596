package dispatch

import (
	"context"
	"time"

	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/logger"
)

const (
	// DefaultStaleWindow is how long a waiting order stays visible to
	// drivers. Past it the order is invisible even before the sweeper
	// makes that durable by expiring it.
	DefaultStaleWindow = 30 * time.Minute

	// DefaultPageSize caps the feed so broadcaster cost stays bounded no
	// matter how deep the waiting backlog gets.
	DefaultPageSize = 10
)

// FeedConfig bounds the driver feed
type FeedConfig struct {
	StaleWindow time.Duration
	PageSize    int
}

// Broadcaster surfaces currently claimable orders to drivers as a live feed
type Broadcaster struct {
	store store.Store
	log   *logger.Logger
	cfg   FeedConfig
}

// NewBroadcaster creates a broadcaster; zero config fields get defaults
func NewBroadcaster(st store.Store, log *logger.Logger, cfg FeedConfig) *Broadcaster {
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = DefaultStaleWindow
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Broadcaster{store: st, log: log, cfg: cfg}
}

// OpenFeed opens a live stream of unclaimed, non-stale orders, newest first.
// Each snapshot is the complete current page. The caller owns the handle and
// must Cancel it before opening a replacement; the stream stops immediately
// on Cancel.
func (b *Broadcaster) OpenFeed(ctx context.Context) (*store.Subscription, error) {
	sub, err := b.store.Subscribe(ctx, store.Query{
		Filters: []store.Filter{
			store.Eq(order.FieldStatus, order.StatusWaiting),
			store.Within(order.FieldCreatedAt, b.cfg.StaleWindow),
		},
		Desc:  true,
		Limit: b.cfg.PageSize,
	})
	if err != nil {
		return nil, err
	}

	b.log.Debug("Driver feed opened",
		logger.Duration("window", b.cfg.StaleWindow),
		logger.Int("page_size", b.cfg.PageSize),
	)
	return sub, nil
}
