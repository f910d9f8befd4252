// Package messages persists conversation messages together with their outbox
// events in a single transaction, with Idempotency-Key replay.
package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/storage/outbox"
)

// EventTypeMessageCreated is the outbox event type for new messages.
const EventTypeMessageCreated = "message.created.v1"

// Repository writes messages and their outbox rows atomically.
type Repository struct {
	pool   *pgxpool.Pool
	outbox *outbox.Repository
	logger *slog.Logger
}

func NewRepository(pool *pgxpool.Pool, ob *outbox.Repository, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, outbox: ob, logger: logger.With("component", "messages")}
}

// eventPayload is the JSON body copied onto the stream. Seq is the
// per-conversation counter from the message row.
type eventPayload struct {
	MessageID      uuid.UUID       `json:"messageId"`
	ConversationID uuid.UUID       `json:"conversationId"`
	SenderID       uuid.UUID       `json:"senderId"`
	Seq            int64           `json:"seq"`
	Type           string          `json:"type"`
	Content        []byte          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Create persists msg and its outbox event in one transaction.
//
// When idempotencyKey was already used, the previously persisted message is
// returned with replayed=true and no new rows are written.
func (r *Repository) Create(ctx context.Context, msg *model.Message, idempotencyKey string) (persisted *model.Message, replayed bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("messages: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if idempotencyKey != "" {
		existing, err := r.claimIdempotencyKey(ctx, tx, idempotencyKey, msg.ID)
		if err != nil {
			return nil, false, err
		}
		if existing != uuid.Nil {
			prior, err := r.getTx(ctx, tx, existing)
			if err != nil {
				return nil, false, err
			}
			return prior, true, tx.Commit(ctx)
		}
	}

	// Per-conversation advisory lock serializes seq allocation without
	// locking the whole table.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, msg.ConversationID); err != nil {
		return nil, false, fmt.Errorf("messages: conversation lock: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $1`,
		msg.ConversationID,
	).Scan(&msg.Seq); err != nil {
		return nil, false, fmt.Errorf("messages: allocate seq: %w", err)
	}

	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = "sent"
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages
			(id, conversation_id, sender_id, type, status, seq, encrypted_content, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Type, msg.Status,
		msg.Seq, msg.EncryptedContent, msg.Metadata, now,
	); err != nil {
		return nil, false, fmt.Errorf("messages: insert: %w", err)
	}

	payload, err := json.Marshal(eventPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Seq:            msg.Seq,
		Type:           msg.Type,
		Content:        msg.EncryptedContent,
		Metadata:       msg.Metadata,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("messages: event payload: %w", err)
	}

	ev := outbox.EventFor(msg, EventTypeMessageCreated, payload, idempotencyKey)
	if _, err := r.outbox.Enqueue(ctx, tx, ev); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("messages: commit: %w", err)
	}
	return msg, false, nil
}

// claimIdempotencyKey reserves key for messageID, or returns the message id a
// previous request stored under the same key.
func (r *Repository) claimIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, messageID uuid.UUID) (uuid.UUID, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO message_idempotency (idempotency_key, message_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, messageID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("messages: idempotency claim: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return uuid.Nil, nil
	}
	var existing uuid.UUID
	if err := tx.QueryRow(ctx, `
		SELECT message_id FROM message_idempotency WHERE idempotency_key = $1`,
		key,
	).Scan(&existing); err != nil {
		return uuid.Nil, fmt.Errorf("messages: idempotency lookup: %w", err)
	}
	return existing, nil
}

// Get loads a message by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	return scanMessage(r.pool.QueryRow(ctx, getQuery, id))
}

func (r *Repository) getTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Message, error) {
	return scanMessage(tx.QueryRow(ctx, getQuery, id))
}

const getQuery = `
	SELECT id, conversation_id, sender_id, type, status, seq,
	       encrypted_content, metadata, created_at, updated_at
	FROM messages WHERE id = $1 AND deleted_at IS NULL`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Status, &m.Seq,
		&m.EncryptedContent, &m.Metadata, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("messages: get: %w", err)
	}
	return &m, nil
}

// IsMember reports whether account participates in conversation. Backs the
// hub's access predicate.
func (r *Repository) IsMember(ctx context.Context, account, conversation uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND account_id = $2 AND left_at IS NULL
		)`,
		conversation, account,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("messages: membership: %w", err)
	}
	return ok, nil
}
