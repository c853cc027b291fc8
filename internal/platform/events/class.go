// Package events defines the payloads published for live class sessions.
package events

import "time"

// Event types written to the outbox and carried in the event_type Kafka header.
const (
	TypeAttendanceChanged        = "class.attendance_changed"
	TypeSessionStarted           = "class.session_started"
	TypeWorkoutTimestampRecorded = "class.workout_timestamp_recorded"
)

// TopicClassSessionEvents carries every class session event, keyed by class id.
const TopicClassSessionEvents = "class_session_events"

// SubjectFor returns the schema registry subject for an event type using the
// topic-record naming strategy.
func SubjectFor(eventType string) string {
	return TopicClassSessionEvents + "-" + eventType
}

// AttendanceChanged is emitted when an attendee's enrollment is recorded or removed.
type AttendanceChanged struct {
	ClassID    string    `json:"class_id"`
	AttendeeID string    `json:"attendee_id"`
	Present    bool      `json:"present"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SessionStarted is emitted once per class when the trainer starts the workout.
type SessionStarted struct {
	ClassID   string    `json:"class_id"`
	WorkoutID string    `json:"workout_id"`
	RoutineID string    `json:"routine_id"`
	StartedAt time.Time `json:"started_at"`
}

// WorkoutTimestampRecorded mirrors a row appended to the workout timeline.
// IntervalIndex is -1 for the record closing the workout.
type WorkoutTimestampRecorded struct {
	ClassID       string    `json:"class_id"`
	WorkoutID     string    `json:"workout_id"`
	IntervalIndex int       `json:"interval_index"`
	OffsetMS      int64     `json:"offset_ms"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Final reports whether the record closes the workout.
func (w WorkoutTimestampRecorded) Final() bool {
	return w.IntervalIndex < 0
}
