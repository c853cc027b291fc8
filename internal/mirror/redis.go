// Package mirror keeps a read model of live session snapshots in Redis so any
// instance can answer "is this class live" and peers can follow updates.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"example.com/liveclass/internal/session"
)

const (
	snapshotPrefix = "liveclass:snapshot:"
	channelPrefix  = "liveclass:class:"
)

// Client is the subset of the Redis client the mirror uses.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisMirror stores the latest snapshot per class with a TTL and publishes each update.
type RedisMirror struct {
	client Client
	ttl    time.Duration
}

// NewRedisMirror constructs a mirror writing through client.
func NewRedisMirror(client Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisMirror{client: client, ttl: ttl}
}

// SnapshotKey is the Redis key holding a class's latest snapshot.
func SnapshotKey(classID string) string {
	return snapshotPrefix + classID
}

// Channel is the Redis pub/sub channel carrying a class's snapshots.
func Channel(classID string) string {
	return channelPrefix + classID
}

// Put stores snap and publishes it.
func (m *RedisMirror) Put(ctx context.Context, snap session.Snapshot) error {
	if snap.ClassID == "" {
		return fmt.Errorf("mirror: missing class id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("mirror: failed to marshal: %w", err)
	}
	if err := m.client.Set(ctx, SnapshotKey(snap.ClassID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("mirror: set snapshot: %w", err)
	}
	if err := m.client.Publish(ctx, Channel(snap.ClassID), data).Err(); err != nil {
		return fmt.Errorf("mirror: publish snapshot: %w", err)
	}
	return nil
}

// Delete drops the class's snapshot.
func (m *RedisMirror) Delete(ctx context.Context, classID string) error {
	return m.client.Del(ctx, SnapshotKey(classID)).Err()
}

// Get returns the mirrored snapshot. The boolean is false when none is stored.
func (m *RedisMirror) Get(ctx context.Context, classID string) (session.Snapshot, bool, error) {
	val, err := m.client.Get(ctx, SnapshotKey(classID)).Result()
	if errors.Is(err, goredis.Nil) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, err
	}

	var snap session.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("mirror: failed to unmarshal: %w", err)
	}
	return snap, true, nil
}

// Noop discards writes and never has a snapshot. It stands in when Redis is not configured.
type Noop struct{}

// Put implements the mirror contract.
func (Noop) Put(context.Context, session.Snapshot) error { return nil }

// Delete implements the mirror contract.
func (Noop) Delete(context.Context, string) error { return nil }

// Get implements the mirror contract.
func (Noop) Get(context.Context, string) (session.Snapshot, bool, error) {
	return session.Snapshot{}, false, nil
}
