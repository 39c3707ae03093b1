package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections.",
	})

	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "events_received_total",
		Help:      "Inbound events by name.",
	}, []string{"event"})

	eventsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "events_sent_total",
		Help:      "Outbound events by name.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(connectionsActive, eventsReceived, eventsSent)
}

var tracer = otel.Tracer("github.com/example/collab-edit/ws")
