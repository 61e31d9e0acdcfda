package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_events_total",
			Help: "Processor events handled, by event kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	applyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_reconcile_duration_seconds",
			Help:    "Time spent applying a processor event.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	lapsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_lapsed_subscriptions_total",
			Help: "Subscriptions downgraded by the lapse sweep, by resulting status.",
		},
		[]string{"status"},
	)
)
