// Package broker fans out session events to the subscribers of a topic.
//
// Publishing never blocks: every subscription owns a bounded buffer and, when it is
// full, the oldest queued event is discarded to make room. Delivery is best-effort
// and in publish order per topic; nothing is persisted.
package broker

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker closed")
	// ErrInvalidSubscription is returned for an empty topic or subscriber id.
	ErrInvalidSubscription = errors.New("topic and subscriber id are required")
)

const (
	defaultBufferSize  = 32
	defaultMaxAttempts = 3
)

// Event is one publication on a topic.
type Event struct {
	Topic       string
	Type        string
	Sequence    uint64
	PublishedAt time.Time
	Payload     any
}

// Option configures optional behaviour for the Broker.
type Option func(*Broker)

// WithBufferSize sets the per-subscriber buffer capacity.
func WithBufferSize(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithMaxAttempts bounds how many times a full buffer is retried before an event is dropped.
func WithMaxAttempts(attempts int) Option {
	return func(b *Broker) {
		if attempts > 0 {
			b.maxAttempts = attempts
		}
	}
}

// WithLogger overrides the logger used to report dropped events.
func WithLogger(logger *log.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// Broker is an in-process topic based pub/sub hub.
type Broker struct {
	mu          sync.RWMutex
	topics      map[string]*topic
	closed      bool
	bufferSize  int
	maxAttempts int
	logger      *log.Logger
	now         func() time.Time
}

type topic struct {
	mu       sync.Mutex
	name     string
	sequence uint64
	subs     map[string]*Subscription
	removed  bool
}

// New constructs a Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:      make(map[string]*topic),
		bufferSize:  defaultBufferSize,
		maxAttempts: defaultMaxAttempts,
		logger:      log.New(log.Writer(), "[broker] ", log.LstdFlags),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers subscriberID on topicName. An existing subscription for the same
// subscriber is closed with ReasonReplaced and superseded by the returned handle.
func (b *Broker) Subscribe(topicName, subscriberID string) (*Subscription, error) {
	if topicName == "" || subscriberID == "" {
		return nil, ErrInvalidSubscription
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{name: topicName, subs: make(map[string]*Subscription)}
		b.topics[topicName] = t
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		Topic:        topicName,
		SubscriberID: subscriberID,
		ch:           make(chan Event, b.bufferSize),
		done:         make(chan struct{}),
	}

	t.mu.Lock()
	if previous, exists := t.subs[subscriberID]; exists {
		previous.close(ReasonReplaced)
		activeSubscriptions.Dec()
	}
	t.subs[subscriberID] = sub
	t.mu.Unlock()

	activeSubscriptions.Inc()
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. It is safe to call
// with a nil, replaced or already closed handle.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.Topic]
	if !ok {
		sub.close(ReasonUnsubscribed)
		return
	}

	t.mu.Lock()
	if current, exists := t.subs[sub.SubscriberID]; exists && current == sub {
		delete(t.subs, sub.SubscriberID)
		activeSubscriptions.Dec()
	}
	sub.close(ReasonUnsubscribed)
	if len(t.subs) == 0 {
		t.removed = true
		delete(b.topics, sub.Topic)
	}
	t.mu.Unlock()
}

// UnsubscribeID removes whichever subscription subscriberID currently holds on topicName.
func (b *Broker) UnsubscribeID(topicName, subscriberID string) {
	b.Unsubscribe(b.Lookup(topicName, subscriberID))
}

// Lookup returns the current subscription of subscriberID on topicName, or nil.
func (b *Broker) Lookup(topicName, subscriberID string) *Subscription {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[subscriberID]
}

// Publish delivers an event to every current subscriber of topicName.
// It returns the sequence number assigned to the event (zero when nobody is subscribed).
func (b *Broker) Publish(topicName string, event Event) (uint64, error) {
	for {
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return 0, ErrClosed
		}
		t, ok := b.topics[topicName]
		b.mu.RUnlock()
		if !ok {
			return 0, nil
		}

		t.mu.Lock()
		if t.removed {
			t.mu.Unlock()
			continue
		}
		t.sequence++
		event.Topic = topicName
		event.Sequence = t.sequence
		if event.PublishedAt.IsZero() {
			event.PublishedAt = b.now()
		}
		for _, sub := range t.subs {
			b.deliver(sub, event)
		}
		seq := t.sequence
		t.mu.Unlock()
		return seq, nil
	}
}

// deliver must be called with the topic lock held, which keeps sends and close apart.
// Every eviction of a buffered event is followed by another send, so the newest
// event is only dropped when the buffer stays full after the last eviction.
func (b *Broker) deliver(sub *Subscription, event Event) {
	for attempt := 0; attempt <= b.maxAttempts; attempt++ {
		select {
		case sub.ch <- event:
			deliveredEvents.Inc()
			return
		default:
		}
		if attempt == b.maxAttempts {
			break
		}

		select {
		case <-sub.ch:
			sub.recordDrop()
			droppedEvents.WithLabelValues("overflow").Inc()
		default:
		}
	}

	sub.recordDrop()
	droppedEvents.WithLabelValues("exhausted").Inc()
	b.logger.Printf("dropping event %s seq=%d for subscriber %s on %s", event.Type, event.Sequence, sub.SubscriberID, sub.Topic)
}

// Subscribers returns the sorted subscriber ids on topicName.
func (b *Broker) Subscribers(topicName string) []string {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return []string{}
	}

	t.mu.Lock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close shuts every subscription and rejects further use.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, t := range b.topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			sub.close(ReasonClosed)
			delete(t.subs, id)
			activeSubscriptions.Dec()
		}
		t.removed = true
		t.mu.Unlock()
		delete(b.topics, name)
	}
}
