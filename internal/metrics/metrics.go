package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	NodeDuration     *prometheus.HistogramVec
	NodeRetriesTotal prometheus.Counter
	ActiveRuns       prometheus.Gauge
	QueueDepth       prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeflow",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status.",
		}, []string{"status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodeflow",
			Name:      "node_duration_seconds",
			Help:      "Node handler execution time by node type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
		NodeRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeflow",
			Name:      "node_retries_total",
			Help:      "Node handler retry attempts beyond the first.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeflow",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeflow",
			Name:      "queue_depth",
			Help:      "Runs waiting in the dispatch queue.",
		}),
	}
	reg.MustRegister(m.RunsTotal, m.NodeDuration, m.NodeRetriesTotal, m.ActiveRuns, m.QueueDepth)
	return m
}

// NewUnregistered creates collectors without registering them. Useful in
// tests that construct several engines in one process.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
