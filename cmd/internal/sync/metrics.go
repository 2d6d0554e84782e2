package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "prism",
		Subsystem: "sync",
		Name:      "ws_connections",
		Help:      "Currently open websocket sessions.",
	})

	metricEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prism",
		Subsystem: "sync",
		Name:      "envelopes_total",
		Help:      "Envelopes handled by type.",
	}, []string{"type"})

	metricRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prism",
		Subsystem: "sync",
		Name:      "rejects_total",
		Help:      "Rejected envelopes and connections by reason.",
	}, []string{"reason"})
)
