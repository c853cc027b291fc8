// Package consumer reads class session events from Kafka and records them for auditing.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"example.com/liveclass/internal/outbox"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record emitted by the outbox dispatcher.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventID       int64
	EventType     string
	ClassID       string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithHandlerBackoff sets the policy used to retry a failing handler before the
// message is skipped.
func WithHandlerBackoff(newBackoff func() backoff.BackOff) Option {
	return func(p *Processor) {
		if newBackoff != nil {
			p.newBackoff = newBackoff
		}
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader     Reader
	handler    Handler
	logger     *log.Logger
	newBackoff func() backoff.BackOff
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lshortfile),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, 3)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run fetches and processes records until ctx is cancelled. Malformed records are
// committed so they cannot block the partition; a record whose handler keeps failing
// is left uncommitted and will be seen again after a rebalance or restart.
func (p *Processor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := p.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			p.logger.Printf("fetch: %v", err)
			continue
		}

		if !p.process(ctx, msg) {
			continue
		}
		if err := p.reader.CommitMessages(ctx, msg); err != nil {
			p.logger.Printf("commit %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
	return ctx.Err()
}

// process reports whether msg may be committed.
func (p *Processor) process(ctx context.Context, msg kafka.Message) bool {
	event, err := decodeMessage(msg)
	if err != nil {
		p.logger.Printf("skipping malformed record %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		recordDecodeError(msg.Topic)
		return true
	}

	if err := p.handle(ctx, event); err != nil {
		p.logger.Printf("%s for class %s not stored: %v", event.EventType, event.ClassID, err)
		recordHandlerError(event)
		return false
	}
	recordProcessed(event)
	return true
}

func (p *Processor) handle(ctx context.Context, event Message) error {
	return backoff.Retry(func() error {
		return p.handler.Handle(ctx, event)
	}, backoff.WithContext(p.newBackoff(), ctx))
}

func decodeMessage(msg kafka.Message) (Message, error) {
	schemaID, body, err := outbox.DecodeWireFormat(msg.Value)
	if err != nil {
		return Message{}, err
	}

	eventType, ok := headerValue(msg, outbox.HeaderEventType)
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	if len(msg.Key) == 0 {
		return Message{}, errors.New("missing class id key")
	}
	schemaSubject, _ := headerValue(msg, outbox.HeaderSchemaSubject)

	var eventID int64
	if raw, ok := headerValue(msg, outbox.HeaderEventID); ok {
		eventID, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("invalid event_id header %q: %w", raw, err)
		}
	}

	payload := json.RawMessage(append([]byte(nil), body...))
	if !json.Valid(payload) {
		return Message{}, errors.New("payload is not valid JSON")
	}

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventID:       eventID,
		EventType:     string(eventType),
		ClassID:       string(msg.Key),
		SchemaSubject: string(schemaSubject),
		SchemaID:      schemaID,
		Payload:       payload,
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
