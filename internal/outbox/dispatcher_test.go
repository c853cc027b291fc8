package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/liveclass/internal/platform/events"
)

func TestWireFormatRoundTrip(t *testing.T) {
	payload := []byte(`{"class_id":"c1"}`)
	frame := encodeWireFormat(513, payload)

	require.Equal(t, byte(0), frame[0])
	require.Equal(t, []byte{0, 0, 2, 1}, frame[1:5])

	id, body, err := DecodeWireFormat(frame)
	require.NoError(t, err)
	require.Equal(t, 513, id)
	require.Equal(t, payload, body)

	_, _, err = DecodeWireFormat([]byte(`{}`))
	require.Error(t, err)
}

func TestEncodeGroupsByTopicAndSetsHeaders(t *testing.T) {
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(nil, &stubProducer{}, registry, time.Millisecond, 10)

	messages := []Message{
		testMessage(1, events.TypeAttendanceChanged),
		testMessage(2, events.TypeWorkoutTimestampRecorded),
		testMessage(3, "class.unknown"),
		testMessage(4, events.TypeAttendanceChanged),
	}

	batches, rejected := dispatcher.encode(context.Background(), messages)

	require.Len(t, rejected, 1)
	require.Equal(t, int64(3), rejected[0].msg.EventID)
	require.Contains(t, rejected[0].err.Error(), "no schema metadata for event_type=class.unknown")

	require.Len(t, batches, 1)
	batch := batches[events.TopicClassSessionEvents]
	require.Len(t, batch.records, 3)
	require.Len(t, batch.messages, 3)

	record := batch.records[0]
	require.Equal(t, []byte("class-1"), record.Key)
	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.TypeAttendanceChanged, headers[HeaderEventType])
	require.Equal(t, events.SubjectFor(events.TypeAttendanceChanged), headers[HeaderSchemaSubject])
	require.Equal(t, "1", headers[HeaderEventID])

	id, body, err := DecodeWireFormat(record.Value)
	require.NoError(t, err)
	require.Equal(t, 42, id)
	require.JSONEq(t, `{"class_id":"class-1"}`, string(body))

	require.Len(t, registry.calls, 2, "one registration per distinct subject")
}

func TestEncodeRejectsRegistryFailures(t *testing.T) {
	registry := &stubRegistry{err: errors.New("registry down")}
	dispatcher := NewDispatcher(nil, &stubProducer{}, registry, time.Millisecond, 10)

	batches, rejected := dispatcher.encode(context.Background(), []Message{testMessage(1, events.TypeSessionStarted)})
	require.Empty(t, batches)
	require.Len(t, rejected, 1)
	require.ErrorContains(t, rejected[0].err, "registry down")
}

func TestWriteRetriesTransientKafkaErrors(t *testing.T) {
	producer := &stubProducer{failures: 2, err: errors.New("leader not available")}
	dispatcher := NewDispatcher(nil, producer, &stubRegistry{}, time.Millisecond, 10,
		WithRetryBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		}),
	)

	err := dispatcher.write(context.Background(), events.TopicClassSessionEvents, []kafka.Message{{Value: []byte("x")}})
	require.NoError(t, err)
	require.Equal(t, 3, producer.attempts)
	require.Len(t, producer.writes, 1)
}

func TestWriteGivesUpAfterRetries(t *testing.T) {
	producer := &stubProducer{err: errors.New("broker unreachable")}
	dispatcher := NewDispatcher(nil, producer, &stubRegistry{}, time.Millisecond, 10,
		WithRetryBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}),
	)

	err := dispatcher.write(context.Background(), events.TopicClassSessionEvents, []kafka.Message{{Value: []byte("x")}})
	require.ErrorContains(t, err, "broker unreachable")
	require.Equal(t, 3, producer.attempts)
}

func TestDLQBackoffDelayIsCapped(t *testing.T) {
	manager := NewDLQManager(nil, 3, time.Second)

	require.Equal(t, time.Second, manager.backoffDelay(1))
	require.Equal(t, 4*time.Second, manager.backoffDelay(3))
	require.Equal(t, time.Hour, manager.backoffDelay(20))
}

func testMessage(id int64, eventType string) Message {
	return Message{
		EventID:       id,
		AggregateType: "class",
		AggregateID:   "class-1",
		EventType:     eventType,
		Topic:         events.TopicClassSessionEvents,
		SchemaSubject: events.SubjectFor(eventType),
		PartitionKey:  "class-1",
		Payload:       json.RawMessage(`{"class_id":"class-1"}`),
	}
}

type stubProducer struct {
	mu       sync.Mutex
	err      error
	failures int
	attempts int
	writes   []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

// WriteMessages fails the first failures calls, or every call when failures is zero and err is set.
func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.err != nil && (s.failures == 0 || s.attempts <= s.failures) {
		return s.err
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)

	s.writes = append(s.writes, writtenBatch{
		topic:    topic,
		messages: copied,
	})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}
