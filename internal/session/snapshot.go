package session

import (
	"time"

	"example.com/liveclass/internal/domain"
)

// Snapshot is an immutable point-in-time view of a live session.
// Slices are shared between readers and must not be modified.
type Snapshot struct {
	ClassID     string      `json:"class_id"`
	CanEnroll   bool        `json:"can_enroll"`
	TrainerID   string      `json:"trainer_id"`
	StartTime   *time.Time  `json:"start_time"`
	WorkoutID   string      `json:"workout_id,omitempty"`
	Roster      []string    `json:"roster"`
	ActiveIndex int         `json:"active_interval_index"`
	Finished    bool        `json:"finished"`
	Routine     RoutineView `json:"routine"`
	Version     uint64      `json:"version"`

	intervals []domain.Interval
}

// RoutineView is the wire shape of the cached routine.
type RoutineView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ActivityType string         `json:"activity_type"`
	Intervals    []IntervalView `json:"intervals"`
}

// IntervalView is the wire shape of one interval.
type IntervalView struct {
	ActivityType    string  `json:"activity_type"`
	Cadence         int     `json:"cadence"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Intervals returns the routine intervals the clock should run against.
// Snapshots decoded from JSON rebuild them from the routine view.
func (s Snapshot) Intervals() []domain.Interval {
	if s.intervals == nil && len(s.Routine.Intervals) > 0 {
		return s.Routine.domainIntervals()
	}
	return s.intervals
}

// Started reports whether the trainer has started the session.
func (s Snapshot) Started() bool {
	return s.StartTime != nil
}

// HasAttendee reports whether attendeeID is on the roster.
func (s Snapshot) HasAttendee(attendeeID string) bool {
	for _, id := range s.Roster {
		if id == attendeeID {
			return true
		}
	}
	return false
}

func (v RoutineView) domainIntervals() []domain.Interval {
	out := make([]domain.Interval, 0, len(v.Intervals))
	for _, interval := range v.Intervals {
		out = append(out, domain.Interval{
			ActivityType: interval.ActivityType,
			Cadence:      interval.Cadence,
			Duration:     time.Duration(interval.DurationSeconds * float64(time.Second)),
		})
	}
	return out
}

func newRoutineView(routine domain.Routine) RoutineView {
	view := RoutineView{
		ID:           routine.ID,
		Name:         routine.Name,
		ActivityType: routine.ActivityType,
		Intervals:    make([]IntervalView, 0, len(routine.Intervals)),
	}
	for _, interval := range routine.Intervals {
		view.Intervals = append(view.Intervals, IntervalView{
			ActivityType:    interval.ActivityType,
			Cadence:         interval.Cadence,
			DurationSeconds: interval.Duration.Seconds(),
		})
	}
	return view
}
