// Package postgres implements domain.Store on PostgreSQL with a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/liveclass/internal/domain"
	"example.com/liveclass/internal/platform/events"
)

// Repository provides Postgres-backed persistence for classes, workouts and outbox events.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

var _ domain.Store = (*Repository)(nil)

const classColumns = `c.class_id, c.name, c.trainer_id, c.can_enroll, c.scheduled_at, c.start_time, c.routine_id,
        COALESCE((SELECT w.workout_id FROM workouts w WHERE w.class_id = c.class_id ORDER BY w.started_at DESC, w.created_at DESC LIMIT 1), '')`

// GetClass implements domain.Store.
func (r *Repository) GetClass(ctx context.Context, classID string) (domain.ClassRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+classColumns+` FROM classes c WHERE c.class_id = $1`, classID)
	class, err := scanClass(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClassRecord{}, fmt.Errorf("class %s: %w", classID, domain.ErrNotFound)
		}
		return domain.ClassRecord{}, err
	}
	return class, nil
}

// GetRoutine implements domain.Store.
func (r *Repository) GetRoutine(ctx context.Context, routineID string) (domain.Routine, error) {
	var routine domain.Routine
	err := r.pool.QueryRow(ctx,
		`SELECT routine_id, name, activity_type FROM routines WHERE routine_id = $1`, routineID,
	).Scan(&routine.ID, &routine.Name, &routine.ActivityType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Routine{}, fmt.Errorf("routine %s: %w", routineID, domain.ErrNotFound)
		}
		return domain.Routine{}, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT activity_type, cadence, duration_ms FROM routine_intervals WHERE routine_id = $1 ORDER BY position`, routineID)
	if err != nil {
		return domain.Routine{}, err
	}
	defer rows.Close()

	routine.Intervals = make([]domain.Interval, 0)
	for rows.Next() {
		var (
			interval   domain.Interval
			durationMS int64
		)
		if err := rows.Scan(&interval.ActivityType, &interval.Cadence, &durationMS); err != nil {
			return domain.Routine{}, err
		}
		interval.Duration = time.Duration(durationMS) * time.Millisecond
		routine.Intervals = append(routine.Intervals, interval)
	}
	if err := rows.Err(); err != nil {
		return domain.Routine{}, err
	}
	return routine, nil
}

// StartWorkout stamps the class start time, creates the workout and records the
// session_started event inside a single transaction. Repeating the call with the
// same start time returns the existing workout.
func (r *Repository) StartWorkout(ctx context.Context, classID, routineID string, startedAt time.Time) (workoutID string, err error) {
	startedAt = startedAt.UTC().Truncate(time.Microsecond)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	var current *time.Time
	if err = tx.QueryRow(ctx, `SELECT start_time FROM classes WHERE class_id = $1 FOR UPDATE`, classID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("class %s: %w", classID, domain.ErrNotFound)
		}
		return "", err
	}

	if current != nil {
		if !current.Equal(startedAt) {
			err = fmt.Errorf("class %s: %w", classID, domain.ErrAlreadyStarted)
			return "", err
		}
		err = tx.QueryRow(ctx,
			`SELECT workout_id FROM workouts WHERE class_id = $1 AND started_at = $2 ORDER BY created_at DESC LIMIT 1`,
			classID, startedAt,
		).Scan(&workoutID)
		if err != nil {
			return "", err
		}
		return workoutID, tx.Commit(ctx)
	}

	if _, err = tx.Exec(ctx, `UPDATE classes SET start_time = $2 WHERE class_id = $1`, classID, startedAt); err != nil {
		return "", err
	}

	workoutID = uuid.NewString()
	if _, err = tx.Exec(ctx,
		`INSERT INTO workouts (workout_id, class_id, routine_id, started_at) VALUES ($1,$2,$3,$4)`,
		workoutID, classID, routineID, startedAt,
	); err != nil {
		return "", err
	}

	if err = r.insertOutbox(ctx, tx, outboxEvent{
		aggregateType: "workout",
		aggregateID:   workoutID,
		classID:       classID,
		eventType:     events.TypeSessionStarted,
		dedupeKey:     fmt.Sprintf("%s:%s", classID, events.TypeSessionStarted),
		payload: events.SessionStarted{
			ClassID:   classID,
			WorkoutID: workoutID,
			RoutineID: routineID,
			StartedAt: startedAt,
		},
	}); err != nil {
		return "", err
	}

	if err = tx.Commit(ctx); err != nil {
		return "", err
	}
	return workoutID, nil
}

// AppendWorkoutTimestamp implements domain.Store.
func (r *Repository) AppendWorkoutTimestamp(ctx context.Context, workoutID string, record domain.WorkoutTimestamp) (err error) {
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = r.now()
	}
	recordedAt = recordedAt.UTC()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	var classID string
	if err = tx.QueryRow(ctx, `SELECT class_id FROM workouts WHERE workout_id = $1`, workoutID).Scan(&classID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("workout %s: %w", workoutID, domain.ErrNotFound)
		}
		return err
	}

	offsetMS := record.Offset.Milliseconds()
	if _, err = tx.Exec(ctx,
		`INSERT INTO workout_timestamps (workout_id, interval_index, offset_ms, recorded_at) VALUES ($1,$2,$3,$4)`,
		workoutID, record.IntervalIndex, offsetMS, recordedAt,
	); err != nil {
		return err
	}

	if err = r.insertOutbox(ctx, tx, outboxEvent{
		aggregateType: "workout",
		aggregateID:   workoutID,
		classID:       classID,
		eventType:     events.TypeWorkoutTimestampRecorded,
		payload: events.WorkoutTimestampRecorded{
			ClassID:       classID,
			WorkoutID:     workoutID,
			IntervalIndex: record.IntervalIndex,
			OffsetMS:      offsetMS,
			RecordedAt:    recordedAt,
		},
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetEnrollment implements domain.Store. The attendance event is only written when
// the stored presence actually changes.
func (r *Repository) SetEnrollment(ctx context.Context, classID, attendeeID string, present bool) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	var exists bool
	if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM classes WHERE class_id = $1)`, classID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		err = fmt.Errorf("class %s: %w", classID, domain.ErrNotFound)
		return err
	}

	var stmt string
	if present {
		stmt = `INSERT INTO class_attendees (class_id, attendee_id) VALUES ($1,$2) ON CONFLICT (class_id, attendee_id) DO NOTHING`
	} else {
		stmt = `DELETE FROM class_attendees WHERE class_id = $1 AND attendee_id = $2`
	}
	tag, err := tx.Exec(ctx, stmt, classID, attendeeID)
	if err != nil {
		return err
	}

	if tag.RowsAffected() > 0 {
		if err = r.insertOutbox(ctx, tx, outboxEvent{
			aggregateType: "class",
			aggregateID:   classID,
			classID:       classID,
			eventType:     events.TypeAttendanceChanged,
			payload: events.AttendanceChanged{
				ClassID:    classID,
				AttendeeID: attendeeID,
				Present:    present,
				OccurredAt: r.now().UTC(),
			},
		}); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ClassHistory implements domain.Store.
func (r *Repository) ClassHistory(ctx context.Context, classID string) (domain.ClassHistory, error) {
	class, err := r.GetClass(ctx, classID)
	if err != nil {
		return domain.ClassHistory{}, err
	}
	history := domain.ClassHistory{Class: class, Attendees: []string{}}

	routine, err := r.GetRoutine(ctx, class.RoutineID)
	switch {
	case err == nil:
		history.Routine = routine
	case !errors.Is(err, domain.ErrNotFound):
		return domain.ClassHistory{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT attendee_id FROM class_attendees WHERE class_id = $1 ORDER BY attendee_id`, classID)
	if err != nil {
		return domain.ClassHistory{}, err
	}
	history.Attendees, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return domain.ClassHistory{}, err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT w.workout_id, w.class_id, w.routine_id, w.started_at, t.interval_index, t.offset_ms, t.recorded_at
           FROM workouts w
           LEFT JOIN workout_timestamps t ON t.workout_id = w.workout_id
          WHERE w.class_id = $1
          ORDER BY w.started_at, w.workout_id, t.timestamp_id`, classID)
	if err != nil {
		return domain.ClassHistory{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			workout    domain.Workout
			index      *int
			offsetMS   *int64
			recordedAt *time.Time
		)
		if err := rows.Scan(&workout.ID, &workout.ClassID, &workout.RoutineID, &workout.StartedAt, &index, &offsetMS, &recordedAt); err != nil {
			return domain.ClassHistory{}, err
		}
		n := len(history.Workouts)
		if n == 0 || history.Workouts[n-1].ID != workout.ID {
			history.Workouts = append(history.Workouts, workout)
			n++
		}
		if index != nil {
			history.Workouts[n-1].Timestamps = append(history.Workouts[n-1].Timestamps, domain.WorkoutTimestamp{
				WorkoutID:     workout.ID,
				IntervalIndex: *index,
				Offset:        time.Duration(*offsetMS) * time.Millisecond,
				RecordedAt:    *recordedAt,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return domain.ClassHistory{}, err
	}
	return history, nil
}

type outboxEvent struct {
	aggregateType string
	aggregateID   string
	classID       string
	eventType     string
	dedupeKey     string
	payload       any
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, event outboxEvent) error {
	body, err := json.Marshal(event.payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[event.eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", event.eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		event.aggregateType,
		event.aggregateID,
		event.eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(event),
		body,
		nullIfEmpty(event.dedupeKey),
	)
	return err
}

func scanClass(row pgx.Row) (domain.ClassRecord, error) {
	var (
		class     domain.ClassRecord
		scheduled *time.Time
	)
	if err := row.Scan(&class.ID, &class.Name, &class.TrainerID, &class.CanEnroll, &scheduled, &class.StartTime, &class.RoutineID, &class.WorkoutID); err != nil {
		return domain.ClassRecord{}, err
	}
	if scheduled != nil {
		class.When = *scheduled
	}
	return class, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// eventMetadata describes how to route an outbox event. Each event type has its
// own schema subject under the shared topic.
type eventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(outboxEvent) string
}

func byClass(e outboxEvent) string { return e.classID }

var eventCatalog = map[string]eventMetadata{
	events.TypeAttendanceChanged: {
		Topic:          events.TopicClassSessionEvents,
		SchemaSubject:  events.SubjectFor(events.TypeAttendanceChanged),
		PartitionKeyFn: byClass,
	},
	events.TypeSessionStarted: {
		Topic:          events.TopicClassSessionEvents,
		SchemaSubject:  events.SubjectFor(events.TypeSessionStarted),
		PartitionKeyFn: byClass,
	},
	events.TypeWorkoutTimestampRecorded: {
		Topic:          events.TopicClassSessionEvents,
		SchemaSubject:  events.SubjectFor(events.TypeWorkoutTimestampRecorded),
		PartitionKeyFn: byClass,
	},
}
