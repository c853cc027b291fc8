// Package coordinator runs the per-class session state machine.
//
// Every operation for a class runs inside one serialized registry update, so the
// roster, the broker subscriber set and the storage reconciliation move together
// and broadcasts leave in mutation order. A class is Unstarted until its trainer
// starts it, Running while the routine's intervals elapse and Finished afterwards.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"example.com/liveclass/internal/broker"
	"example.com/liveclass/internal/clock"
	"example.com/liveclass/internal/domain"
	"example.com/liveclass/internal/observability"
	"example.com/liveclass/internal/session"
)

// Event types published on a class topic.
const (
	EventSnapshot = "session.snapshot"
	EventStarted  = "session.started"
	EventInterval = "session.interval"
	EventFinished = "session.finished"
)

const (
	topicPrefix          = "class:"
	defaultMinTick       = 250 * time.Millisecond
	defaultMirrorTimeout = 500 * time.Millisecond
)

// Topic returns the broker topic carrying a class's events.
func Topic(classID string) string {
	return topicPrefix + classID
}

// ClassIDFromTopic is the inverse of Topic.
func ClassIDFromTopic(topic string) string {
	return strings.TrimPrefix(topic, topicPrefix)
}

// Mirror receives every published snapshot and every eviction.
type Mirror interface {
	Put(ctx context.Context, snap session.Snapshot) error
	Delete(ctx context.Context, classID string) error
}

// Option configures optional behaviour for the Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMirror sets the snapshot mirror.
func WithMirror(mirror Mirror) Option {
	return func(c *Coordinator) {
		if mirror != nil {
			c.mirror = mirror
		}
	}
}

// WithMirrorTimeout bounds each mirror call.
func WithMirrorTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.mirrorTimeout = timeout
		}
	}
}

// WithMinTick sets the shortest delay between two timer firings.
func WithMinTick(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.minTick = d
		}
	}
}

// WithEnrollmentRetry sets the policy for clearing enrollments that a disconnect
// could not clear.
func WithEnrollmentRetry(newBackoff func() backoff.BackOff) Option {
	return func(c *Coordinator) {
		if newBackoff != nil {
			c.newEnrollmentBackoff = newBackoff
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

type sessionTimer struct {
	timer *time.Timer
	// idle timers wait for the end of the routine instead of the next boundary.
	idle bool
}

// Coordinator ties the session registry, the broker and the storage collaborator together.
type Coordinator struct {
	store    domain.Store
	broker   *broker.Broker
	registry *session.Registry
	mirror   Mirror
	logger   *log.Logger
	now      func() time.Time

	minTick       time.Duration
	mirrorTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]*sessionTimer
	closed   bool

	newEnrollmentBackoff func() backoff.BackOff
	pendingMu            sync.Mutex
	pending              map[pendingKey]*pendingClear
}

// New constructs a Coordinator. The store should already carry the retry policy.
func New(store domain.Store, brk *broker.Broker, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:         store,
		broker:        brk,
		mirror:        noopMirror{},
		logger:        log.New(log.Writer(), "[coordinator] ", log.LstdFlags),
		now:           func() time.Time { return time.Now().UTC() },
		minTick:       defaultMinTick,
		mirrorTimeout: defaultMirrorTimeout,
		ctx:           ctx,
		cancel:        cancel,
		timers:        make(map[string]*sessionTimer),

		newEnrollmentBackoff: defaultEnrollmentBackoff,
		pending:              make(map[pendingKey]*pendingClear),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = session.NewRegistry(
		session.LoaderFunc(c.load),
		session.WithNow(c.now),
		session.WithEvictHook(c.onEvict),
	)
	return c
}

func (c *Coordinator) load(ctx context.Context, classID string) (session.Seed, error) {
	class, err := c.store.GetClass(ctx, classID)
	if err != nil {
		return session.Seed{}, fmt.Errorf("load class %s: %w", classID, err)
	}
	var routine domain.Routine
	if class.RoutineID != "" {
		routine, err = c.store.GetRoutine(ctx, class.RoutineID)
		if err != nil {
			return session.Seed{}, fmt.Errorf("load routine %s: %w", class.RoutineID, err)
		}
	}
	return session.Seed{
		CanEnroll: class.CanEnroll,
		TrainerID: class.TrainerID,
		StartTime: class.StartTime,
		WorkoutID: class.WorkoutID,
		Routine:   routine,
	}, nil
}

// Subscribe puts attendeeID on the class roster and returns a fresh event handle
// together with the snapshot the caller should render first.
// A present attendee gets a new handle without a roster change or broadcast.
func (c *Coordinator) Subscribe(ctx context.Context, classID, attendeeID string) (*broker.Subscription, session.Snapshot, error) {
	if classID == "" || attendeeID == "" {
		return nil, session.Snapshot{}, fmt.Errorf("class and attendee are required: %w", domain.ErrNotFound)
	}

	var (
		sub    *broker.Subscription
		joined bool
	)
	snap, err := c.registry.Update(ctx, classID, true, func(e *session.Entry) error {
		if !e.Started() && !e.CanEnroll() {
			return fmt.Errorf("class %s is closed for enrollment: %w", classID, domain.ErrForbidden)
		}

		s, err := c.broker.Subscribe(Topic(classID), attendeeID)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", attendeeID, err)
		}
		if e.Has(attendeeID) {
			sub = s
			return nil
		}

		c.cancelClear(classID, attendeeID)
		if err := c.store.SetEnrollment(ctx, classID, attendeeID, true); err != nil {
			c.broker.Unsubscribe(s)
			return err
		}
		e.Add(attendeeID, c.now())
		sub = s
		joined = true
		c.broadcast(e, EventSnapshot)
		c.syncTimer(e)
		return nil
	})
	c.observe("subscribe", err)
	if err != nil {
		return nil, session.Snapshot{}, err
	}
	if joined {
		observability.AttendeeJoined()
	}
	return sub, snap, nil
}

// Unsubscribe removes attendeeID after reconciling storage. When storage stays
// unavailable the attendee remains present and the error is returned.
// Unsubscribing an absent attendee succeeds.
func (c *Coordinator) Unsubscribe(ctx context.Context, classID, attendeeID string) error {
	var left bool
	_, err := c.registry.Update(ctx, classID, false, func(e *session.Entry) error {
		if !e.Has(attendeeID) {
			c.broker.UnsubscribeID(Topic(classID), attendeeID)
			return nil
		}
		if err := c.store.SetEnrollment(ctx, classID, attendeeID, false); err != nil {
			return err
		}
		c.removeAttendee(e, attendeeID)
		left = true
		return nil
	})
	if errors.Is(err, session.ErrNoSession) {
		c.broker.UnsubscribeID(Topic(classID), attendeeID)
		err = nil
	}
	c.observe("unsubscribe", err)
	if left {
		observability.AttendeeLeft()
	}
	return err
}

// Detach handles a lost connection. It only acts when sub is still the attendee's
// current handle. The attendee is removed even when storage cannot be reconciled;
// that failure is returned and the enrollment clear is retried in the background.
func (c *Coordinator) Detach(ctx context.Context, sub *broker.Subscription) error {
	if sub == nil {
		return nil
	}
	classID := ClassIDFromTopic(sub.Topic)

	var (
		storeErr error
		left     bool
	)
	_, err := c.registry.Update(ctx, classID, false, func(e *session.Entry) error {
		if c.broker.Lookup(sub.Topic, sub.SubscriberID) != sub {
			c.broker.Unsubscribe(sub)
			return nil
		}
		if !e.Has(sub.SubscriberID) {
			c.broker.Unsubscribe(sub)
			return nil
		}
		if err := c.store.SetEnrollment(ctx, classID, sub.SubscriberID, false); err != nil {
			storeErr = err
			c.logger.Printf("detach %s from %s: enrollment not cleared, retrying later: %v", sub.SubscriberID, classID, err)
			c.queueClear(classID, sub.SubscriberID)
		}
		c.removeAttendee(e, sub.SubscriberID)
		left = true
		return nil
	})
	if errors.Is(err, session.ErrNoSession) {
		c.broker.Unsubscribe(sub)
		err = nil
	}
	if err == nil {
		err = storeErr
	}
	c.observe("detach", err)
	if left {
		observability.AttendeeLeft()
	}
	return err
}

func (c *Coordinator) removeAttendee(e *session.Entry, attendeeID string) {
	e.Remove(attendeeID)
	c.broker.UnsubscribeID(Topic(e.ClassID()), attendeeID)
	c.broadcast(e, EventSnapshot)
	c.syncTimer(e)
}

// Start begins the class on behalf of trainerID. The workout record is created and
// the first progress record appended before the start is broadcast.
func (c *Coordinator) Start(ctx context.Context, classID, trainerID string) (session.Snapshot, error) {
	snap, err := c.registry.Update(ctx, classID, true, func(e *session.Entry) error {
		if trainerID == "" || e.TrainerID() != trainerID {
			return fmt.Errorf("%s does not lead class %s: %w", trainerID, classID, domain.ErrForbidden)
		}
		if e.Started() {
			return fmt.Errorf("class %s: %w", classID, domain.ErrAlreadyStarted)
		}

		startedAt := c.now().UTC()
		workoutID, err := c.store.StartWorkout(ctx, classID, e.Routine().ID, startedAt)
		if err != nil {
			return err
		}
		if err := e.SetStart(startedAt); err != nil {
			return err
		}
		e.SetWorkoutID(workoutID)

		state := clock.CurrentState(e.Routine().Intervals, startedAt, startedAt)
		if state.Finished {
			e.MarkFinished()
		} else {
			e.SetActiveIndex(state.ActiveIndex)
		}
		// The workout exists once StartWorkout returns, so a failed progress record
		// must not undo the start.
		if err := c.record(ctx, e, 0, 0); err != nil {
			c.logger.Printf("class %s: first progress record failed: %v", classID, err)
		}
		c.broadcast(e, EventStarted)
		if state.Finished {
			if err := c.record(ctx, e, domain.FinalIntervalIndex, 0); err != nil {
				c.logger.Printf("class %s: final progress record failed: %v", classID, err)
			}
			c.broadcast(e, EventFinished)
		}
		c.syncTimer(e)
		return nil
	})
	c.observe("start", err)
	if err != nil {
		return session.Snapshot{}, err
	}
	observability.RecordSessionStarted(*snap.StartTime)
	return snap, nil
}

// Snapshot returns the latest published snapshot for a live class.
func (c *Coordinator) Snapshot(classID string) (session.Snapshot, bool) {
	return c.registry.Get(classID)
}

// LiveClasses lists the classes currently resident.
func (c *Coordinator) LiveClasses() []string {
	return c.registry.ClassIDs()
}

// Shutdown stops every timer and closes the broker, which ends all subscriptions.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.timersMu.Lock()
	c.closed = true
	for classID, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, classID)
	}
	c.timersMu.Unlock()

	c.cancel()
	c.stopClears()
	c.broker.Close()
	return ctx.Err()
}

// broadcast must run inside a registry update.
func (c *Coordinator) broadcast(e *session.Entry, eventType string) {
	snap := e.Snapshot()
	if _, err := c.broker.Publish(Topic(e.ClassID()), broker.Event{Type: eventType, Payload: snap}); err != nil {
		c.logger.Printf("publish %s for class %s: %v", eventType, e.ClassID(), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
	defer cancel()
	if err := c.mirror.Put(ctx, snap); err != nil {
		c.logger.Printf("mirror snapshot for class %s: %v", e.ClassID(), err)
	}
}

func (c *Coordinator) record(ctx context.Context, e *session.Entry, index int, offset time.Duration) error {
	if e.WorkoutID() == "" {
		return nil
	}
	now := c.now()
	err := c.store.AppendWorkoutTimestamp(ctx, e.WorkoutID(), domain.WorkoutTimestamp{
		WorkoutID:     e.WorkoutID(),
		IntervalIndex: index,
		Offset:        offset,
		RecordedAt:    now,
	})
	if err != nil {
		return err
	}
	observability.RecordWorkoutTimestamp(now)
	return nil
}

// onEvict runs under the evicted entry's lock.
func (c *Coordinator) onEvict(classID string) {
	c.stopTimer(classID)

	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
	defer cancel()
	if err := c.mirror.Delete(ctx, classID); err != nil {
		c.logger.Printf("mirror delete for class %s: %v", classID, err)
	}
}

func (c *Coordinator) observe(operation string, err error) {
	operationsCounter.WithLabelValues(operation, outcome(err)).Inc()
	observability.SetLiveSessions(c.registry.Len())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrAlreadyStarted):
		return "already_started"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}

type noopMirror struct{}

func (noopMirror) Put(context.Context, session.Snapshot) error { return nil }
func (noopMirror) Delete(context.Context, string) error        { return nil }
