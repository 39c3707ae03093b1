package roster

import "github.com/prometheus/client_golang/prometheus"

var reservations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "roster",
	Name:      "code_reservations_total",
	Help:      "Room code reservation attempts that reached Redis.",
})

func init() {
	prometheus.MustRegister(reservations)
}
