// Package storage wraps the persistence collaborator with the engine's retry policy.
package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"example.com/liveclass/internal/domain"
)

// RetryConfig bounds how long and how often a storage call is attempted.
type RetryConfig struct {
	Timeout         time.Duration // per attempt
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig mirrors the service defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Option configures optional behaviour for the RetryingStore.
type Option func(*RetryingStore)

// WithBackoff overrides the backoff policy. The factory is called once per operation.
func WithBackoff(factory func() backoff.BackOff) Option {
	return func(s *RetryingStore) {
		s.buildBackoff = factory
	}
}

// WithLogger overrides the logger used to report retries.
func WithLogger(logger *log.Logger) Option {
	return func(s *RetryingStore) {
		s.logger = logger
	}
}

// RetryingStore retries transient storage failures with exponential backoff.
// NotFound, Forbidden and AlreadyStarted are returned immediately. Exhausted retries
// surface as domain.ErrStorageUnavailable.
type RetryingStore struct {
	delegate     domain.Store
	timeout      time.Duration
	buildBackoff func() backoff.BackOff
	logger       *log.Logger
}

// NewRetryingStore wraps delegate.
func NewRetryingStore(delegate domain.Store, cfg RetryConfig, opts ...Option) *RetryingStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRetryConfig().Timeout
	}
	s := &RetryingStore{
		delegate: delegate,
		timeout:  cfg.Timeout,
		logger:   log.New(log.Writer(), "[storage] ", log.LstdFlags),
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if cfg.InitialInterval > 0 {
				b.InitialInterval = cfg.InitialInterval
			}
			if cfg.MaxInterval > 0 {
				b.MaxInterval = cfg.MaxInterval
			}
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, cfg.MaxRetries)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetClass implements domain.Store.
func (s *RetryingStore) GetClass(ctx context.Context, classID string) (domain.ClassRecord, error) {
	var out domain.ClassRecord
	err := s.retry(ctx, "get_class", func(ctx context.Context) error {
		record, err := s.delegate.GetClass(ctx, classID)
		out = record
		return err
	})
	return out, err
}

// GetRoutine implements domain.Store.
func (s *RetryingStore) GetRoutine(ctx context.Context, routineID string) (domain.Routine, error) {
	var out domain.Routine
	err := s.retry(ctx, "get_routine", func(ctx context.Context) error {
		routine, err := s.delegate.GetRoutine(ctx, routineID)
		out = routine
		return err
	})
	return out, err
}

// StartWorkout implements domain.Store.
func (s *RetryingStore) StartWorkout(ctx context.Context, classID, routineID string, startedAt time.Time) (string, error) {
	var workoutID string
	err := s.retry(ctx, "start_workout", func(ctx context.Context) error {
		id, err := s.delegate.StartWorkout(ctx, classID, routineID, startedAt)
		workoutID = id
		return err
	})
	return workoutID, err
}

// AppendWorkoutTimestamp implements domain.Store.
func (s *RetryingStore) AppendWorkoutTimestamp(ctx context.Context, workoutID string, record domain.WorkoutTimestamp) error {
	return s.retry(ctx, "append_workout_timestamp", func(ctx context.Context) error {
		return s.delegate.AppendWorkoutTimestamp(ctx, workoutID, record)
	})
}

// SetEnrollment implements domain.Store.
func (s *RetryingStore) SetEnrollment(ctx context.Context, classID, attendeeID string, present bool) error {
	return s.retry(ctx, "set_enrollment", func(ctx context.Context) error {
		return s.delegate.SetEnrollment(ctx, classID, attendeeID, present)
	})
}

// ClassHistory implements domain.Store.
func (s *RetryingStore) ClassHistory(ctx context.Context, classID string) (domain.ClassHistory, error) {
	var out domain.ClassHistory
	err := s.retry(ctx, "class_history", func(ctx context.Context) error {
		history, err := s.delegate.ClassHistory(ctx, classID)
		out = history
		return err
	})
	return out, err
}

func (s *RetryingStore) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err != nil && domain.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		retryCounter.WithLabelValues(op).Inc()
		s.logger.Printf("%s failed, retrying in %s: %v", op, wait, err)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(s.buildBackoff(), ctx), notify)
	if err == nil {
		return nil
	}
	if domain.IsPermanent(err) {
		return err
	}
	failureCounter.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

var _ domain.Store = (*RetryingStore)(nil)
