package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxDLQDelay caps the wait between replay attempts of a single entry.
const maxDLQDelay = time.Hour

// DLQManager replays dead-lettered events into the outbox and quarantines the ones
// that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
}

// DLQOption customises a DLQManager.
type DLQOption func(*DLQManager)

// WithDLQLogger overrides the manager logger.
func WithDLQLogger(logger *log.Logger) DLQOption {
	return func(m *DLQManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewDLQManager constructs a DLQManager. Entries are quarantined once they have been
// retried maxRetries times; the delay between retries doubles from baseDelay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, opts ...DLQOption) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	m := &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: log.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run calls RunOnce every interval until ctx is cancelled.
func (m *DLQManager) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		handled, err := m.RunOnce(ctx, batchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Printf("dlq manager: %v", err)
		}
		if handled > 0 {
			m.logger.Printf("dlq manager: handled %d entries", handled)
		}
	}
}

// RunOnce handles up to batchSize due entries and returns how many were requeued or
// quarantined. Failures on individual entries are joined into the returned error.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
           FROM outbox_dlq
          WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
          ORDER BY created_at
          LIMIT $1`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("select dlq entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[dlqEntry])
	if err != nil {
		return 0, fmt.Errorf("scan dlq entries: %w", err)
	}

	var errs []error
	handled := 0
	for _, entry := range entries {
		outcome, err := m.handleEntry(ctx, entry)
		if outcome != "" {
			recordDLQ(entry, outcome)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, err))
			continue
		}
		handled++
	}

	if err := updateBacklogGauge(ctx, m.pool); err != nil {
		errs = append(errs, err)
	}
	return handled, errors.Join(errs...)
}

// handleEntry quarantines, requeues or reschedules one entry inside a transaction and
// reports which of those happened. A failed requeue still commits the reschedule.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (string, error) {
	var (
		outcome    string
		requeueErr error
	)
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if entry.RetryCount >= m.maxRetries {
			outcome = dlqOutcomeQuarantined
			_, err := tx.Exec(ctx,
				`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
				fmt.Sprintf("gave up after %d retries", entry.RetryCount), entry.ID)
			return err
		}

		if requeueErr = requeueOutbox(ctx, tx, entry); requeueErr == nil {
			outcome = dlqOutcomeRequeued
			_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
			return err
		}

		outcome = dlqOutcomeRetry
		_, err := tx.Exec(ctx,
			`UPDATE outbox_dlq
                SET retry_count = retry_count + 1,
                    last_attempt_at = NOW(),
                    next_retry_at = NOW() + $1::interval,
                    reason = $2
              WHERE dlq_id = $3`,
			m.backoffDelay(entry.RetryCount+1), requeueErr.Error(), entry.ID)
		return err
	})
	if err != nil {
		return "", err
	}
	return outcome, requeueErr
}

// backoffDelay returns baseDelay doubled for every attempt after the first, capped at maxDLQDelay.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDLQDelay {
			return maxDLQDelay
		}
	}
	return min(delay, maxDLQDelay)
}

// requeueOutbox copies the entry back into the outbox so the dispatcher picks it up again.
// The dedupe key is left empty; the original row already holds it.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject")
	}
	if _, ok := schemaCatalog[entry.EventType]; !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", entry.EventType)
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic,
		entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	)
	return err
}

// dlqEntry mirrors the columns RunOnce selects, in order.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}
