package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxPicked  OutboxStatus = "picked"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxEvent is one row of the transactional outbox. The insert commits in
// the same transaction as the message write it describes.
type OutboxEvent struct {
	ID           int64
	EventID      uuid.UUID
	MessageID    uuid.UUID
	AggregateID  uuid.UUID // conversation id; stream partition key
	EventType    string
	Payload      json.RawMessage
	Status       OutboxStatus
	Attempts     int
	OccurredAt   time.Time
	PickedAt     *time.Time
	DispatchedAt *time.Time
	LastError    string
	DedupeKey    string
}

// StreamEntry is the append-only record published per outbox event.
type StreamEntry struct {
	StreamID    string // broker-assigned monotonic id
	EventID     uuid.UUID
	MessageID   uuid.UUID
	AggregateID uuid.UUID
	Seq         int64
	Payload     json.RawMessage
}

// DeadLetter is a forensic record of an event that exhausted retries or
// failed irrecoverably. Never re-dispatched automatically.
type DeadLetter struct {
	SourceStream string
	Group        string
	EventID      uuid.UUID
	AggregateID  uuid.UUID
	Payload      json.RawMessage
	Reason       string
	Attempts     int
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// Message is the persisted conversation element. EncryptedContent is the
// sealed ratchet envelope; the server stores it opaquely.
type Message struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	SenderID         uuid.UUID
	Type             string
	Status           string
	Seq              int64 // per-conversation monotonic
	EncryptedContent []byte
	Metadata         json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
