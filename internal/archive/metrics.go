package archive

import "github.com/prometheus/client_golang/prometheus"

var archivesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "archive",
	Name:      "uploads_total",
	Help:      "Document snapshots uploaded to object storage.",
})

func init() {
	prometheus.MustRegister(archivesUploaded)
}
