package document

import "github.com/prometheus/client_golang/prometheus"

var (
	ingestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "document",
		Name:      "ingest_seconds",
		Help:      "Time spent transforming and applying one operation.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	ingestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "document",
		Name:      "ingest_total",
		Help:      "Ingested operations by outcome.",
	}, []string{"outcome"})

	historyDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "document",
		Name:      "transform_depth",
		Help:      "Number of history entries a stale operation was transformed against.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})
)

func init() {
	prometheus.MustRegister(ingestLatency, ingestOutcomes, historyDepth)
}
