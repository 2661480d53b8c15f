// Package metrics exposes protocol counters and gauges for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshdtn"

var (
	Registry = prometheus.NewRegistry()

	PacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Decoded packets received, by packet type.",
		},
		[]string{"type"},
	)

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped without processing, by reason.",
		},
		[]string{"reason"},
	)

	PacketsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets handed to the transport, by packet type.",
		},
		[]string{"type"},
	)

	RoundsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started_total",
			Help:      "Election and maintenance rounds started locally.",
		},
		[]string{"kind"},
	)

	Leader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this node is the elected leader.",
		},
		[]string{"node"},
	)

	Neighbors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors",
			Help:      "Live physical neighbors.",
		},
		[]string{"node"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dtn_queue_depth",
			Help:      "Bundles held in the store-and-forward queue.",
		},
		[]string{"node"},
	)

	Bundles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_total",
			Help:      "Bundle lifecycle events: delivered, forwarded, stored, sprayed, delegated.",
		},
		[]string{"event"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(PacketsReceived, PacketsDropped, PacketsSent, RoundsStarted,
		Leader, Neighbors, QueueDepth, Bundles, uptime)
}

// Handler exposes /metrics. Mount it with r.Handle("/metrics", metrics.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Bool converts a flag to a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
