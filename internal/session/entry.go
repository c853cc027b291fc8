package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"example.com/liveclass/internal/clock"
	"example.com/liveclass/internal/domain"
)

// Seed is the persisted state a session entry is created from.
type Seed struct {
	CanEnroll bool
	TrainerID string
	StartTime *time.Time
	WorkoutID string
	Routine   domain.Routine
}

type entryState struct {
	startTime   *time.Time
	workoutID   string
	activeIndex int
	finished    bool
	roster      map[string]time.Time
	version     uint64
}

func (s entryState) clone() entryState {
	out := s
	out.roster = make(map[string]time.Time, len(s.roster))
	for id, joinedAt := range s.roster {
		out.roster[id] = joinedAt
	}
	return out
}

// Entry is the mutable state of one live session. It is only handed out inside
// Registry.Update, while the entry's lock is held.
type Entry struct {
	classID string

	mu      sync.Mutex
	loaded  bool
	evicted bool

	canEnroll bool
	trainerID string
	routine   domain.Routine
	view      RoutineView
	state     entryState

	snap atomic.Pointer[Snapshot]
}

func newEntry(classID string) *Entry {
	return &Entry{
		classID: classID,
		state: entryState{
			activeIndex: clock.NoInterval,
			roster:      make(map[string]time.Time),
		},
	}
}

func (e *Entry) init(seed Seed) {
	e.canEnroll = seed.CanEnroll
	e.trainerID = seed.TrainerID
	e.routine = seed.Routine
	e.routine.Intervals = domain.CloneIntervals(seed.Routine.Intervals)
	e.view = newRoutineView(e.routine)
	if seed.StartTime != nil {
		start := seed.StartTime.UTC()
		e.state.startTime = &start
	}
	e.state.workoutID = seed.WorkoutID
	e.loaded = true
}

// ClassID returns the class the entry belongs to.
func (e *Entry) ClassID() string { return e.classID }

// CanEnroll reports whether attendees may join before the session starts.
func (e *Entry) CanEnroll() bool { return e.canEnroll }

// TrainerID returns the trainer allowed to start the session.
func (e *Entry) TrainerID() string { return e.trainerID }

// Routine returns the cached routine.
func (e *Entry) Routine() domain.Routine { return e.routine }

// StartTime returns the session start, nil while unstarted.
func (e *Entry) StartTime() *time.Time { return e.state.startTime }

// Started reports whether a start time has been set.
func (e *Entry) Started() bool { return e.state.startTime != nil }

// Finished reports whether the routine has fully elapsed.
func (e *Entry) Finished() bool { return e.state.finished }

// WorkoutID returns the persisted workout for a started session.
func (e *Entry) WorkoutID() string { return e.state.workoutID }

// ActiveIndex returns the last interval index recorded for the session.
func (e *Entry) ActiveIndex() int { return e.state.activeIndex }

// Has reports whether attendeeID is present.
func (e *Entry) Has(attendeeID string) bool {
	_, ok := e.state.roster[attendeeID]
	return ok
}

// JoinedAt returns when attendeeID joined.
func (e *Entry) JoinedAt(attendeeID string) (time.Time, bool) {
	at, ok := e.state.roster[attendeeID]
	return at, ok
}

// RosterSize returns the number of present attendees.
func (e *Entry) RosterSize() int { return len(e.state.roster) }

// Add puts attendeeID on the roster. It returns false if the attendee was already present.
func (e *Entry) Add(attendeeID string, joinedAt time.Time) bool {
	if e.Has(attendeeID) {
		return false
	}
	e.state.roster[attendeeID] = joinedAt
	e.state.version++
	return true
}

// Remove takes attendeeID off the roster. It returns false if the attendee was absent.
func (e *Entry) Remove(attendeeID string) bool {
	if !e.Has(attendeeID) {
		return false
	}
	delete(e.state.roster, attendeeID)
	e.state.version++
	return true
}

// SetStart sets the start time once. Repeating the same value is a no-op.
func (e *Entry) SetStart(startTime time.Time) error {
	startTime = startTime.UTC()
	if e.state.startTime != nil {
		if e.state.startTime.Equal(startTime) {
			return nil
		}
		return domain.ErrAlreadyStarted
	}
	e.state.startTime = &startTime
	e.state.version++
	return nil
}

// SetWorkoutID records the workout created for the session.
func (e *Entry) SetWorkoutID(workoutID string) {
	if e.state.workoutID == workoutID {
		return
	}
	e.state.workoutID = workoutID
	e.state.version++
}

// SetActiveIndex records the interval the session is in.
func (e *Entry) SetActiveIndex(index int) {
	if e.state.activeIndex == index {
		return
	}
	e.state.activeIndex = index
	e.state.version++
}

// MarkFinished flags the session as fully elapsed.
func (e *Entry) MarkFinished() {
	if e.state.finished {
		return
	}
	e.state.finished = true
	e.state.activeIndex = clock.NoInterval
	e.state.version++
}

// Snapshot builds an immutable view of the current state.
func (e *Entry) Snapshot() Snapshot {
	roster := make([]string, 0, len(e.state.roster))
	for id := range e.state.roster {
		roster = append(roster, id)
	}
	sort.Strings(roster)

	var start *time.Time
	if e.state.startTime != nil {
		t := *e.state.startTime
		start = &t
	}

	return Snapshot{
		ClassID:     e.classID,
		CanEnroll:   e.canEnroll,
		TrainerID:   e.trainerID,
		StartTime:   start,
		WorkoutID:   e.state.workoutID,
		Roster:      roster,
		ActiveIndex: e.state.activeIndex,
		Finished:    e.state.finished,
		Routine:     e.view,
		Version:     e.state.version,
		intervals:   e.routine.Intervals,
	}
}

func (e *Entry) evictable() bool {
	return len(e.state.roster) == 0 && (e.state.startTime == nil || e.state.finished)
}
