package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_stream_connections",
		Help: "Number of attached stream observers.",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_stream_messages_sent_total",
		Help: "Total number of messages delivered to stream observers.",
	})

	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_stream_messages_dropped_total",
			Help: "Total number of stream messages not delivered, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(connectionsGauge)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesDropped)
}
