package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	operationsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclass",
		Subsystem: "coordinator",
		Name:      "operations_total",
		Help:      "Session operations by kind and outcome.",
	}, []string{"operation", "outcome"})

	timerTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclass",
		Subsystem: "coordinator",
		Name:      "timer_ticks_total",
		Help:      "Session timer firings by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(operationsCounter, timerTicks)
}
