package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveclass",
		Subsystem: "broker",
		Name:      "events_delivered_total",
		Help:      "Number of events queued to subscriber buffers.",
	})

	droppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclass",
		Subsystem: "broker",
		Name:      "events_dropped_total",
		Help:      "Number of events discarded for a subscriber, by cause.",
	}, []string{"cause"})

	activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveclass",
		Subsystem: "broker",
		Name:      "active_subscriptions",
		Help:      "Current number of open subscriptions across all topics.",
	})
)

func init() {
	prometheus.MustRegister(deliveredEvents, droppedEvents, activeSubscriptions)
}
