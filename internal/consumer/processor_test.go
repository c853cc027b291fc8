package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/liveclass/internal/platform/events"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"class_id":"class-1","workout_id":"w-1","routine_id":"r-1","started_at":"2024-01-01T00:00:00Z"}`)
	msg := framedMessage(42, payload, 10, events.TypeSessionStarted)

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, events.TypeSessionStarted, handler.last.EventType)
	require.Equal(t, "class-1", handler.last.ClassID)
	require.Equal(t, int64(7), handler.last.EventID)
	require.Equal(t, 42, handler.last.SchemaID)
	require.Equal(t, events.SubjectFor(events.TypeSessionStarted), handler.last.SchemaSubject)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorRetriesThenSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := framedMessage(99, []byte(`{"class_id":"class-1"}`), 20, events.TypeAttendanceChanged)

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler,
		WithLogger(log.New(testWriter{t}, "", 0)),
		WithHandlerBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}),
	)

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorRecoversFromTransientHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := framedMessage(5, []byte(`{"class_id":"class-1"}`), 30, events.TypeWorkoutTimestampRecorded)

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("db blip"), failures: 1}

	processor := NewProcessor(reader, handler,
		WithLogger(log.New(testWriter{t}, "", 0)),
		WithHandlerBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}),
	)

	require.ErrorIs(t, processor.Run(ctx), context.Canceled)
	require.Equal(t, 2, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	missingHeader := framedMessage(1, []byte(`{}`), 1, events.TypeSessionStarted)
	missingHeader.Headers = nil

	missingKey := framedMessage(1, []byte(`{}`), 2, events.TypeSessionStarted)
	missingKey.Key = nil

	unframed := kafka.Message{Topic: events.TopicClassSessionEvents, Offset: 3, Key: []byte("class-1"), Value: []byte(`{}`)}

	reader := &stubReader{
		messages: []kafka.Message{missingHeader, missingKey, unframed},
		after:    contextCanceled,
	}
	handler := &stubHandler{}
	decodeErrors := messagesCounter.WithLabelValues(events.TopicClassSessionEvents, "", resultDecodeError)
	before := testutil.ToFloat64(decodeErrors)

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 3, reader.commitCalls)
	require.InDelta(t, before+3, testutil.ToFloat64(decodeErrors), 0.0001)
}

func framedMessage(schemaID int, payload []byte, offset int64, eventType string) kafka.Message {
	value := make([]byte, 5+len(payload))
	value[0] = 0
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)

	return kafka.Message{
		Topic:     events.TopicClassSessionEvents,
		Partition: 0,
		Offset:    offset,
		Time:      time.Now().UTC(),
		Key:       []byte("class-1"),
		Value:     value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "schema_subject", Value: []byte(events.SubjectFor(eventType))},
			{Key: "event_id", Value: []byte("7")},
		},
	}
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

// stubHandler returns err for the first failures calls, or for every call when failures is zero.
type stubHandler struct {
	calls    int
	err      error
	failures int
	last     Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if h.err != nil && (h.failures == 0 || h.calls <= h.failures) {
		return h.err
	}
	return nil
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
