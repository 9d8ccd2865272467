package event

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_events_published_total",
			Help: "Total number of events published on the bus.",
		},
		[]string{"severity"},
	)

	handlerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchyard_event_handler_failures_total",
			Help: "Total number of event handler errors and panics.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(handlerFailures)
}
