package domain

import (
	"context"
	"time"
)

// Store is the persistence collaborator consumed by the session engine.
// Every method is treated as a fallible remote call.
type Store interface {
	GetClass(ctx context.Context, classID string) (ClassRecord, error)
	GetRoutine(ctx context.Context, routineID string) (Routine, error)
	// StartWorkout stamps the class start time and creates the workout record.
	StartWorkout(ctx context.Context, classID, routineID string, startedAt time.Time) (string, error)
	AppendWorkoutTimestamp(ctx context.Context, workoutID string, record WorkoutTimestamp) error
	// SetEnrollment records or removes an attendee's presence. Setting an existing value is not an error.
	SetEnrollment(ctx context.Context, classID, attendeeID string, present bool) error
	ClassHistory(ctx context.Context, classID string) (ClassHistory, error)
}
