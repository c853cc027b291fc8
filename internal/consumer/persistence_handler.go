package consumer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertEventLog = `
INSERT INTO class_session_event_log
    (event_id, event_type, class_id, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
VALUES
    (@event_id, @event_type, @class_id, @schema_id, @schema_subject, @topic, @partition, @record_offset, @payload, @received_at)
ON CONFLICT (topic, partition, record_offset) DO NOTHING`

// PersistenceHandler appends consumed events to class_session_event_log.
type PersistenceHandler struct {
	pool *pgxpool.Pool
}

// NewPersistenceHandler returns a handler writing through pool.
func NewPersistenceHandler(pool *pgxpool.Pool) *PersistenceHandler {
	return &PersistenceHandler{pool: pool}
}

// Handle stores msg once per Kafka position; redeliveries are ignored.
func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	args := pgx.NamedArgs{
		"event_id":       nil,
		"event_type":     msg.EventType,
		"class_id":       msg.ClassID,
		"schema_id":      msg.SchemaID,
		"schema_subject": msg.SchemaSubject,
		"topic":          msg.Topic,
		"partition":      msg.Partition,
		"record_offset":  msg.Offset,
		"payload":        msg.Payload,
		"received_at":    msg.Timestamp,
	}
	// Records published before event ids were attached carry none.
	if msg.EventID != 0 {
		args["event_id"] = msg.EventID
	}
	if _, err := h.pool.Exec(ctx, insertEventLog, args); err != nil {
		return fmt.Errorf("append %s at %s/%d@%d: %w", msg.EventType, msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}
