package revenue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mrrGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_mrr",
		Help: "Monthly recurring revenue, yearly plans normalized to a twelfth.",
	})

	activeSubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_active_subscribers",
		Help: "Current subscriptions on a paid plan contributing revenue.",
	})

	churnGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_churn_rate_percent",
		Help: "Share of paying subscriptions lost over the trailing month.",
	})
)
