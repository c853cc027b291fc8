package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"example.com/liveclass/internal/session"
)

type published struct {
	channel string
	message []byte
}

type fakeClient struct {
	values    map[string][]byte
	ttls      map[string]time.Duration
	published []published
	setErr    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	if f.setErr != nil {
		return goredis.NewStatusResult("", f.setErr)
	}
	f.values[key] = value.([]byte)
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Get(ctx context.Context, key string) *goredis.StringCmd {
	val, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(string(val), nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.published = append(f.published, published{channel: channel, message: message.([]byte)})
	return goredis.NewIntResult(0, nil)
}

func TestRedisMirrorPutGetDelete(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	m := NewRedisMirror(client, time.Minute)

	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	snap := session.Snapshot{
		ClassID:     "class-1",
		CanEnroll:   true,
		StartTime:   &start,
		Roster:      []string{"alice", "bob"},
		ActiveIndex: 1,
		Version:     4,
		Routine: session.RoutineView{ID: "r1", Intervals: []session.IntervalView{
			{ActivityType: "run", DurationSeconds: 30},
			{ActivityType: "walk", DurationSeconds: 60},
		}},
	}
	require.NoError(t, m.Put(ctx, snap))
	require.Equal(t, time.Minute, client.ttls["liveclass:snapshot:class-1"])
	require.Len(t, client.published, 1)
	require.Equal(t, "liveclass:class:class-1", client.published[0].channel)

	got, ok, err := m.Get(ctx, "class-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.Roster, got.Roster)
	require.Equal(t, uint64(4), got.Version)
	require.True(t, got.StartTime.Equal(start))
	require.Len(t, got.Intervals(), 2)
	require.Equal(t, 60*time.Second, got.Intervals()[1].Duration)

	require.NoError(t, m.Delete(ctx, "class-1"))
	_, ok, err = m.Get(ctx, "class-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisMirrorPutPropagatesErrors(t *testing.T) {
	client := newFakeClient()
	client.setErr = errors.New("connection refused")
	m := NewRedisMirror(client, 0)

	err := m.Put(context.Background(), session.Snapshot{ClassID: "class-1"})
	require.ErrorContains(t, err, "connection refused")
	require.Empty(t, client.published)

	require.Error(t, m.Put(context.Background(), session.Snapshot{}))
}

func TestNoopMirror(t *testing.T) {
	var m Noop
	require.NoError(t, m.Put(context.Background(), session.Snapshot{ClassID: "x"}))
	_, ok, err := m.Get(context.Background(), "x")
	require.NoError(t, err)
	require.False(t, ok)
}
