package broker

import (
	"sync"
	"sync/atomic"
)

// CloseReason explains why a subscription stopped receiving events.
type CloseReason string

const (
	ReasonUnsubscribed CloseReason = "unsubscribed"
	ReasonReplaced     CloseReason = "replaced"
	ReasonClosed       CloseReason = "closed"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID           string
	Topic        string
	SubscriberID string

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
	dropped   atomic.Uint64
}

// Events streams published events. The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the subscription ended, or "" while it is active.
func (s *Subscription) Reason() CloseReason {
	if v, ok := s.reason.Load().(CloseReason); ok {
		return v
	}
	return ""
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) recordDrop() {
	s.dropped.Add(1)
}

func (s *Subscription) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		close(s.done)
		close(s.ch)
	})
}
