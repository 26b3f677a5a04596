package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "orders_created_total", Help: "Orders created"})
	AcceptsTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accepts_total", Help: "Successful order claims"})
	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_conflicts_total", Help: "Claims lost to a concurrent winner"})
	TransitionsTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "transitions_total", Help: "Committed status transitions"},
		[]string{"status"},
	)
	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "orders_expired_total", Help: "Orders expired by the sweeper"})
	SweepsTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "sweeps_total", Help: "Sweeper invocations"})

	FeedSubscriptions  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "feed_subscriptions", Help: "Live driver feed subscriptions"})
	WatchSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "watch_subscriptions", Help: "Live requester watch subscriptions"})
)
