package storage

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"example.com/liveclass/internal/domain"
)

type flakyStore struct {
	domain.Store
	failures int32
	err      error
	calls    int32
	block    bool
}

func (f *flakyStore) SetEnrollment(ctx context.Context, classID, attendeeID string, present bool) error {
	atomic.AddInt32(&f.calls, 1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return f.err
	}
	return nil
}

func (f *flakyStore) GetClass(ctx context.Context, classID string) (domain.ClassRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return domain.ClassRecord{}, f.err
	}
	return domain.ClassRecord{ID: classID, CanEnroll: true}, nil
}

func constantBackoff(retries uint64) Option {
	return WithBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), retries)
	})
}

func quietLogger() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

func TestRetryingStoreRecoversFromTransientFailures(t *testing.T) {
	flaky := &flakyStore{failures: 2, err: errors.New("connection reset")}
	store := NewRetryingStore(flaky, DefaultRetryConfig(), constantBackoff(3), quietLogger())

	require.NoError(t, store.SetEnrollment(context.Background(), "class-1", "alice", true))
	require.EqualValues(t, 3, atomic.LoadInt32(&flaky.calls))
}

func TestRetryingStoreSurfacesStorageUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	flaky := &flakyStore{failures: 100, err: cause}
	store := NewRetryingStore(flaky, DefaultRetryConfig(), constantBackoff(2), quietLogger())

	err := store.SetEnrollment(context.Background(), "class-1", "alice", true)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.ErrorIs(t, err, cause)
	require.EqualValues(t, 3, atomic.LoadInt32(&flaky.calls))
}

func TestRetryingStoreDoesNotRetryValidationErrors(t *testing.T) {
	flaky := &flakyStore{err: domain.ErrNotFound}
	store := NewRetryingStore(flaky, DefaultRetryConfig(), constantBackoff(5), quietLogger())

	_, err := store.GetClass(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NotErrorIs(t, err, domain.ErrStorageUnavailable)
	require.EqualValues(t, 1, atomic.LoadInt32(&flaky.calls))
}

func TestRetryingStoreAppliesPerAttemptTimeout(t *testing.T) {
	flaky := &flakyStore{block: true}
	cfg := DefaultRetryConfig()
	cfg.Timeout = 10 * time.Millisecond
	store := NewRetryingStore(flaky, cfg, constantBackoff(1), quietLogger())

	start := time.Now()
	err := store.SetEnrollment(context.Background(), "class-1", "alice", false)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 2, atomic.LoadInt32(&flaky.calls))
}

func TestRetryingStoreStopsWhenCallerCancels(t *testing.T) {
	flaky := &flakyStore{failures: 100, err: errors.New("down")}
	store := NewRetryingStore(flaky, DefaultRetryConfig(), quietLogger(), WithBackoff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.SetEnrollment(ctx, "class-1", "alice", true)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}
