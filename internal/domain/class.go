// Package domain defines the entities and storage port shared by the live class engine.
package domain

import "time"

// Interval is one timed segment of a routine.
type Interval struct {
	ActivityType string
	Cadence      int
	Duration     time.Duration
}

// Routine is the ordered list of intervals a class works through.
type Routine struct {
	ID           string
	Name         string
	ActivityType string
	Intervals    []Interval
}

// ClassRecord is the persisted view of a scheduled class the engine needs to run a session.
type ClassRecord struct {
	ID        string
	Name      string
	TrainerID string
	CanEnroll bool
	When      time.Time
	StartTime *time.Time
	RoutineID string
	// WorkoutID is the most recent workout started for the class, empty until started.
	WorkoutID string
}

// WorkoutTimestamp is an append-only progress marker for a running workout.
// IntervalIndex is FinalIntervalIndex on the record written when the workout ends.
type WorkoutTimestamp struct {
	WorkoutID     string
	IntervalIndex int
	Offset        time.Duration
	RecordedAt    time.Time
}

// FinalIntervalIndex marks the closing WorkoutTimestamp of a workout.
const FinalIntervalIndex = -1

// Workout is the persisted record created when a trainer starts a class.
type Workout struct {
	ID         string
	ClassID    string
	RoutineID  string
	StartedAt  time.Time
	Timestamps []WorkoutTimestamp
}

// ClassHistory aggregates what happened in a class for the history view.
type ClassHistory struct {
	Class     ClassRecord
	Routine   Routine
	Attendees []string
	Workouts  []Workout
}

// CloneIntervals returns a copy that callers may hand out without sharing the backing array.
func CloneIntervals(in []Interval) []Interval {
	if in == nil {
		return nil
	}
	out := make([]Interval, len(in))
	copy(out, in)
	return out
}
