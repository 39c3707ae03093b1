package room

import "github.com/prometheus/client_golang/prometheus"

var (
	roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rooms",
		Name:      "active",
		Help:      "Rooms currently held in memory.",
	})

	roomsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rooms",
		Name:      "expired_total",
		Help:      "Rooms removed after the empty-room TTL elapsed.",
	})

	roomsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rooms",
		Name:      "recovered_total",
		Help:      "Rooms rebuilt from the durable store after a restart.",
	})

	operationsRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rooms",
		Name:      "operations_total",
		Help:      "Operations applied and fanned out to document topics.",
	})
)

func init() {
	prometheus.MustRegister(roomsActive, roomsExpired, roomsRecovered, operationsRouted)
}
