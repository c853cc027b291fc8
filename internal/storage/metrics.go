package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclass",
		Subsystem: "storage",
		Name:      "retries_total",
		Help:      "Number of storage calls retried after a failure, by operation.",
	}, []string{"operation"})

	failureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclass",
		Subsystem: "storage",
		Name:      "failures_total",
		Help:      "Number of storage calls that exhausted their retries, by operation.",
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(retryCounter, failureCounter)
}
