//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package kqwatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of Prometheus collectors an Emitter updates. The
// package does not own a registry: an embedding application registers
// these on its own, the way prometheus/client_golang libraries typically
// expect to be wired in.
type Metrics struct {
	Descriptors      prometheus.Gauge
	Events           *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		Descriptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kqwatch",
			Name:      "descriptors",
			Help:      "Number of currently open kqueue descriptors.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kqwatch",
			Name:      "events_total",
			Help:      "Semantic events emitted, by kind.",
		}, []string{"kind"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kqwatch",
			Name:      "snapshot_duration_seconds",
			Help:      "Time spent walking the watched tree to build a snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every collector so a caller can register them on a
// prometheus.Registerer of its choosing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Descriptors, m.Events, m.SnapshotDuration}
}
