package consumer

import "github.com/prometheus/client_golang/prometheus"

// Result labels for messagesCounter.
const (
	resultProcessed    = "processed"
	resultHandlerError = "handler_error"
	resultDecodeError  = "decode_error"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclass",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka records seen by the consumer by topic, event type and result.",
	}, []string{"topic", "event_type", "result"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveclass",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Kafka timestamp of the most recently processed record per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, lastMessageGauge)
}

func recordProcessed(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, resultProcessed).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, resultHandlerError).Inc()
}

// recordDecodeError has no event type since decoding failed before headers were trusted.
func recordDecodeError(topic string) {
	messagesCounter.WithLabelValues(topic, "", resultDecodeError).Inc()
}
