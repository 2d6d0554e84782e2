package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prism",
		Subsystem: "store",
		Name:      "mutations_total",
		Help:      "Successful document mutations by backend and operation.",
	}, []string{"backend", "op"})

	metricSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prism",
		Subsystem: "store",
		Name:      "snapshots_delivered_total",
		Help:      "Full snapshots delivered to subscribers by backend.",
	}, []string{"backend"})

	metricSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "prism",
		Subsystem: "store",
		Name:      "active_subscriptions",
		Help:      "Currently registered live subscriptions by backend.",
	}, []string{"backend"})
)
