package persist

import "github.com/prometheus/client_golang/prometheus"

var (
	saveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "persist",
		Name:      "save_seconds",
		Help:      "Latency of document snapshot upserts.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	loadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "persist",
		Name:      "load_seconds",
		Help:      "Latency of loading a room's documents.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	saveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "save_failures_total",
		Help:      "Document saves that exhausted their retries.",
	})

	pendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "persist",
		Name:      "pending_writes",
		Help:      "Debounced writes currently waiting for their quiet window.",
	})

	debouncedWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "debounced_writes_total",
		Help:      "Debounced writes that reached the database.",
	})
)

func init() {
	prometheus.MustRegister(saveLatency, loadLatency, saveFailures, pendingWrites, debouncedWrites)
}
