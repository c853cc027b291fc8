// Package session holds the process-wide registry of live class sessions.
//
// Mutations for one class are serialized on that class's entry; different classes
// never contend. Readers get the last published Snapshot without taking any entry lock.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoSession is returned when an operation requires a live entry that does not exist.
var ErrNoSession = errors.New("no live session")

// Loader fetches the persisted state a new entry is seeded from.
type Loader interface {
	Load(ctx context.Context, classID string) (Seed, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, classID string) (Seed, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, classID string) (Seed, error) {
	return f(ctx, classID)
}

// Option configures optional behaviour for the Registry.
type Option func(*Registry)

// WithNow overrides the time source used for presence timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithEvictHook registers a callback invoked, under the class's lock, when an entry is evicted.
func WithEvictHook(hook func(classID string)) Option {
	return func(r *Registry) {
		r.onEvict = hook
	}
}

// Registry maps class identifiers to live session entries.
type Registry struct {
	loader  Loader
	entries sync.Map // classID -> *Entry
	now     func() time.Time
	onEvict func(classID string)
}

// NewRegistry constructs a Registry that seeds new entries through loader.
func NewRegistry(loader Loader, opts ...Option) *Registry {
	r := &Registry{
		loader: loader,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update runs fn with exclusive access to the class's entry and publishes the resulting snapshot.
// With create set, a missing entry is created and seeded from the Loader first.
// If fn fails, every change it made is rolled back and the error is returned unchanged.
// An entry whose roster is empty and which is not running is evicted before Update returns.
func (r *Registry) Update(ctx context.Context, classID string, create bool, fn func(*Entry) error) (Snapshot, error) {
	for {
		e := r.lookup(classID, create)
		if e == nil {
			return Snapshot{}, ErrNoSession
		}

		e.mu.Lock()
		if e.evicted {
			// Lost a race with eviction; look the class up again.
			e.mu.Unlock()
			continue
		}

		if !e.loaded {
			seed, err := r.loader.Load(ctx, classID)
			if err != nil {
				r.evict(e)
				e.mu.Unlock()
				return Snapshot{}, err
			}
			e.init(seed)
			snap := e.Snapshot()
			e.snap.Store(&snap)
		}

		saved := e.state.clone()
		if err := fn(e); err != nil {
			e.state = saved
			if e.evictable() {
				r.evict(e)
			}
			e.mu.Unlock()
			return Snapshot{}, err
		}

		snap := e.Snapshot()
		e.snap.Store(&snap)
		if e.evictable() {
			r.evict(e)
		}
		e.mu.Unlock()
		return snap, nil
	}
}

func (r *Registry) lookup(classID string, create bool) *Entry {
	if v, ok := r.entries.Load(classID); ok {
		return v.(*Entry)
	}
	if !create {
		return nil
	}
	v, _ := r.entries.LoadOrStore(classID, newEntry(classID))
	return v.(*Entry)
}

// evict must be called with e.mu held.
func (r *Registry) evict(e *Entry) {
	e.evicted = true
	if r.entries.CompareAndDelete(e.classID, e) && e.loaded && r.onEvict != nil {
		r.onEvict(e.classID)
	}
}

// Join adds attendeeID to the class's roster, creating the entry on first join.
// Joining twice is a no-op that returns the current snapshot.
func (r *Registry) Join(ctx context.Context, classID, attendeeID string) (Snapshot, error) {
	return r.Update(ctx, classID, true, func(e *Entry) error {
		e.Add(attendeeID, r.now())
		return nil
	})
}

// Leave removes attendeeID. It returns false when the class has no live entry.
func (r *Registry) Leave(ctx context.Context, classID, attendeeID string) (Snapshot, bool) {
	snap, err := r.Update(ctx, classID, false, func(e *Entry) error {
		e.Remove(attendeeID)
		return nil
	})
	if err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Start sets the session start time once. Repeating the same value succeeds;
// a different value fails with domain.ErrAlreadyStarted.
func (r *Registry) Start(ctx context.Context, classID string, startTime time.Time) (Snapshot, error) {
	return r.Update(ctx, classID, true, func(e *Entry) error {
		return e.SetStart(startTime)
	})
}

// Get returns the last published snapshot for the class.
func (r *Registry) Get(classID string) (Snapshot, bool) {
	v, ok := r.entries.Load(classID)
	if !ok {
		return Snapshot{}, false
	}
	snap := v.(*Entry).snap.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// ClassIDs lists classes with a live entry, sorted.
func (r *Registry) ClassIDs() []string {
	ids := make([]string, 0)
	r.entries.Range(func(key, value any) bool {
		if value.(*Entry).snap.Load() != nil {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return len(r.ClassIDs())
}
