// Package memory provides an in-process domain.Store for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/liveclass/internal/domain"
)

// Store keeps classes, routines, enrollments and workouts in memory.
type Store struct {
	mu          sync.RWMutex
	classes     map[string]domain.ClassRecord
	routines    map[string]domain.Routine
	enrollments map[string]map[string]struct{}
	workouts    map[string]*domain.Workout
	byClass     map[string][]string
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		classes:     make(map[string]domain.ClassRecord),
		routines:    make(map[string]domain.Routine),
		enrollments: make(map[string]map[string]struct{}),
		workouts:    make(map[string]*domain.Workout),
		byClass:     make(map[string][]string),
	}
}

// NewSeededStore returns a store holding one demo routine and class, useful when running without Postgres.
func NewSeededStore() *Store {
	s := NewStore()
	routine := s.PutRoutine(domain.Routine{
		Name:         "Tabata Ride",
		ActivityType: "cycling",
		Intervals: []domain.Interval{
			{ActivityType: "warmup", Cadence: 70, Duration: 2 * time.Minute},
			{ActivityType: "sprint", Cadence: 110, Duration: 20 * time.Second},
			{ActivityType: "recovery", Cadence: 60, Duration: 10 * time.Second},
			{ActivityType: "cooldown", Cadence: 65, Duration: 2 * time.Minute},
		},
	})
	s.PutClass(domain.ClassRecord{
		ID:        "demo-class",
		Name:      "Morning Spin",
		TrainerID: "demo-trainer",
		CanEnroll: true,
		When:      time.Now().UTC(),
		RoutineID: routine.ID,
	})
	return s
}

// PutRoutine stores routine, assigning an id when empty, and returns the stored value.
func (s *Store) PutRoutine(routine domain.Routine) domain.Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(routine.ID) == "" {
		routine.ID = uuid.NewString()
	}
	routine.Intervals = domain.CloneIntervals(routine.Intervals)
	s.routines[routine.ID] = routine
	return routine
}

// PutClass stores class, assigning an id when empty, and returns the stored value.
func (s *Store) PutClass(class domain.ClassRecord) domain.ClassRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(class.ID) == "" {
		class.ID = uuid.NewString()
	}
	s.classes[class.ID] = class
	return class
}

// GetClass implements domain.Store.
func (s *Store) GetClass(ctx context.Context, classID string) (domain.ClassRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	class, ok := s.classes[classID]
	if !ok {
		return domain.ClassRecord{}, fmt.Errorf("class %s: %w", classID, domain.ErrNotFound)
	}
	if ids := s.byClass[classID]; len(ids) > 0 {
		class.WorkoutID = ids[len(ids)-1]
	}
	return class, nil
}

// GetRoutine implements domain.Store.
func (s *Store) GetRoutine(ctx context.Context, routineID string) (domain.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	routine, ok := s.routines[routineID]
	if !ok {
		return domain.Routine{}, fmt.Errorf("routine %s: %w", routineID, domain.ErrNotFound)
	}
	routine.Intervals = domain.CloneIntervals(routine.Intervals)
	return routine, nil
}

// StartWorkout implements domain.Store. Repeating a start with the same time returns the existing workout.
func (s *Store) StartWorkout(ctx context.Context, classID, routineID string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	class, ok := s.classes[classID]
	if !ok {
		return "", fmt.Errorf("class %s: %w", classID, domain.ErrNotFound)
	}
	startedAt = startedAt.UTC()
	if class.StartTime != nil {
		if class.StartTime.Equal(startedAt) {
			if ids := s.byClass[classID]; len(ids) > 0 {
				return ids[len(ids)-1], nil
			}
		}
		return "", domain.ErrAlreadyStarted
	}

	class.StartTime = &startedAt
	s.classes[classID] = class

	workout := &domain.Workout{
		ID:        uuid.NewString(),
		ClassID:   classID,
		RoutineID: routineID,
		StartedAt: startedAt,
	}
	s.workouts[workout.ID] = workout
	s.byClass[classID] = append(s.byClass[classID], workout.ID)
	return workout.ID, nil
}

// AppendWorkoutTimestamp implements domain.Store.
func (s *Store) AppendWorkoutTimestamp(ctx context.Context, workoutID string, record domain.WorkoutTimestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	workout, ok := s.workouts[workoutID]
	if !ok {
		return fmt.Errorf("workout %s: %w", workoutID, domain.ErrNotFound)
	}
	record.WorkoutID = workoutID
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	workout.Timestamps = append(workout.Timestamps, record)
	return nil
}

// SetEnrollment implements domain.Store.
func (s *Store) SetEnrollment(ctx context.Context, classID, attendeeID string, present bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[classID]; !ok {
		return fmt.Errorf("class %s: %w", classID, domain.ErrNotFound)
	}
	attendees := s.enrollments[classID]
	if present {
		if attendees == nil {
			attendees = make(map[string]struct{})
			s.enrollments[classID] = attendees
		}
		attendees[attendeeID] = struct{}{}
		return nil
	}
	delete(attendees, attendeeID)
	return nil
}

// Enrolled returns the attendees currently enrolled in the class, sorted.
func (s *Store) Enrolled(classID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.enrollments[classID])
}

// ClassHistory implements domain.Store.
func (s *Store) ClassHistory(ctx context.Context, classID string) (domain.ClassHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	class, ok := s.classes[classID]
	if !ok {
		return domain.ClassHistory{}, fmt.Errorf("class %s: %w", classID, domain.ErrNotFound)
	}
	history := domain.ClassHistory{
		Class:     class,
		Attendees: sortedKeys(s.enrollments[classID]),
	}
	if routine, ok := s.routines[class.RoutineID]; ok {
		routine.Intervals = domain.CloneIntervals(routine.Intervals)
		history.Routine = routine
	}
	for _, id := range s.byClass[classID] {
		workout := *s.workouts[id]
		workout.Timestamps = append([]domain.WorkoutTimestamp(nil), workout.Timestamps...)
		history.Workouts = append(history.Workouts, workout)
	}
	return history, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ domain.Store = (*Store)(nil)
