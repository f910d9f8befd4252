// Package outbox implements the transactional outbox: events enqueued in the
// same transaction as the message write, claimed by dispatchers under
// SKIP LOCKED, and transitioned through pending/picked/sent/dead.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/faults"
)

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// Repository persists and transitions outbox rows.
type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
	logger      *slog.Logger
}

func NewRepository(pool *pgxpool.Pool, maxAttempts int, logger *slog.Logger) *Repository {
	return &Repository{
		pool:        pool,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "outbox"),
	}
}

// Enqueue inserts an event inside the caller's transaction. The caller owns
// commit/rollback; the row becomes visible to dispatchers only on commit.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, ev *model.OutboxEvent) (int64, error) {
	var dedupe any
	if ev.DedupeKey != "" {
		dedupe = ev.DedupeKey
	}
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO message_outbox
			(event_id, message_id, aggregate_id, event_type, payload, status, attempts, occurred_at, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)
		RETURNING id`,
		ev.EventID, ev.MessageID, ev.AggregateID, ev.EventType, ev.Payload, ev.OccurredAt, dedupe,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, faults.Wrap(faults.KindConflict, "duplicate_event", "outbox row already exists", err)
		}
		return 0, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically picks up to batch pending rows in (occurred_at, id) order,
// marking them picked and bumping attempts. SKIP LOCKED lets several
// dispatchers run concurrently without double-claiming.
func (r *Repository) Claim(ctx context.Context, batch int, now time.Time) ([]model.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE message_outbox SET
			status = 'picked',
			picked_at = $2,
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM message_outbox
			WHERE status = 'pending'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY occurred_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, message_id, aggregate_id, event_type, payload,
		          status, attempts, occurred_at, picked_at, dispatched_at,
		          COALESCE(last_error, ''), COALESCE(dedupe_key, '')`,
		batch, now,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxEvent
	for rows.Next() {
		var ev model.OutboxEvent
		if err := rows.Scan(
			&ev.ID, &ev.EventID, &ev.MessageID, &ev.AggregateID, &ev.EventType,
			&ev.Payload, &ev.Status, &ev.Attempts, &ev.OccurredAt, &ev.PickedAt,
			&ev.DispatchedAt, &ev.LastError, &ev.DedupeKey,
		); err != nil {
			return nil, fmt.Errorf("outbox: claim scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	// The claim query returns rows in arbitrary UPDATE order; restore the
	// FIFO contract before handing them to the dispatcher.
	sortEvents(out)
	return out, nil
}

// MarkSent transitions picked rows to sent.
func (r *Repository) MarkSent(ctx context.Context, ids []int64, dispatchedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE message_outbox
		SET status = 'sent', dispatched_at = $2, last_error = NULL
		WHERE id = ANY($1) AND status = 'picked'`,
		ids, dispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// maxRetryBackoff caps the delay between outbox delivery attempts.
const maxRetryBackoff = 5 * time.Minute

// retryBackoff spaces retries exponentially from one second: a row failing
// for a transient reason is not re-claimable on the very next tick.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 9 {
		return maxRetryBackoff
	}
	d := time.Second << (attempts - 1)
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// MarkFailed returns a picked row to pending for another attempt with a
// backoff delay, or parks it dead and copies the payload to the dead-letter
// table once attempts reach the cap.
func (r *Repository) MarkFailed(ctx context.Context, id int64, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: mark failed begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var ev model.OutboxEvent
	err = tx.QueryRow(ctx, `
		SELECT id, event_id, aggregate_id, payload, attempts
		FROM message_outbox WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&ev.ID, &ev.EventID, &ev.AggregateID, &ev.Payload, &ev.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("outbox: mark failed select: %w", err)
	}

	if ev.Attempts < r.maxAttempts {
		_, err = tx.Exec(ctx, `
			UPDATE message_outbox
			SET status = 'pending', picked_at = NULL, last_error = $2,
			    next_attempt_at = $3
			WHERE id = $1`,
			id, reason, time.Now().Add(retryBackoff(ev.Attempts)),
		)
		if err != nil {
			return fmt.Errorf("outbox: mark failed requeue: %w", err)
		}
		return tx.Commit(ctx)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE message_outbox SET status = 'dead', last_error = $2 WHERE id = $1`,
		id, reason,
	); err != nil {
		return fmt.Errorf("outbox: mark dead: %w", err)
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO message_dlq
			(source_stream, consumer_group, event_id, aggregate_id, payload, reason, attempts, first_seen_at, last_seen_at)
		VALUES ('outbox', 'dispatcher', $1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (event_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			last_seen_at = now()`,
		ev.EventID, ev.AggregateID, ev.Payload, reason, ev.Attempts,
	); err != nil {
		return fmt.Errorf("outbox: dlq copy: %w", err)
	}

	r.logger.Warn("outbox event dead-lettered",
		"event_id", ev.EventID, "aggregate_id", ev.AggregateID, "attempts", ev.Attempts, "reason", reason)
	return tx.Commit(ctx)
}

// DeadLetter routes an event straight to the dead-letter table, bypassing the
// retry path. Used for schema/parse errors that can never succeed.
func (r *Repository) DeadLetter(ctx context.Context, dl model.DeadLetter) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO message_dlq
			(source_stream, consumer_group, event_id, aggregate_id, payload, reason, attempts, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (event_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			last_seen_at = now()`,
		dl.SourceStream, dl.Group, dl.EventID, dl.AggregateID, dl.Payload, dl.Reason, dl.Attempts,
	)
	if err != nil {
		return fmt.Errorf("outbox: dead letter: %w", err)
	}
	return nil
}

// Release returns every picked row to pending. Called on graceful shutdown so
// claims from a mid-flight tick are re-claimable immediately, and by startup
// recovery for rows orphaned by a crash.
func (r *Repository) Release(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE message_outbox
		SET status = 'pending', picked_at = NULL
		WHERE status = 'picked' AND (picked_at IS NULL OR picked_at < now() - $1::interval)`,
		fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: release: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Prune deletes terminal rows older than retention.
func (r *Repository) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM message_outbox
		WHERE status IN ('sent', 'dead')
		  AND occurred_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", retention.Milliseconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// sortEvents orders by (occurred_at, id), the FIFO tie-break contract.
func sortEvents(evs []model.OutboxEvent) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].OccurredAt.Equal(evs[j].OccurredAt) {
			return evs[i].OccurredAt.Before(evs[j].OccurredAt)
		}
		return evs[i].ID < evs[j].ID
	})
}

// EventFor builds an outbox event for a committed message.
func EventFor(msg *model.Message, eventType string, payload []byte, dedupeKey string) *model.OutboxEvent {
	return &model.OutboxEvent{
		EventID:     uuid.New(),
		MessageID:   msg.ID,
		AggregateID: msg.ConversationID,
		EventType:   eventType,
		Payload:     payload,
		Status:      model.OutboxPending,
		OccurredAt:  msg.CreatedAt,
		DedupeKey:   dedupeKey,
	}
}
