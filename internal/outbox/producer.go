package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer writes outbox records through a single kafka.Writer. Records are
// partitioned by key hash, so every event of a class lands on the same partition
// and keeps its outbox order.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer returns a producer for brokers. The topic is chosen per write.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 50 * time.Millisecond,
		// Retries belong to the dispatcher so failed batches can reach the DLQ.
		MaxAttempts: 1,
	}}
}

// WriteMessages stamps topic on msgs and writes them synchronously.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	for i := range msgs {
		msgs[i].Topic = topic
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close flushes pending writes and releases connections.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
