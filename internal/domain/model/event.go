package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventPriority orders eviction decisions under backpressure.
type EventPriority int32

const (
	PriorityLow    EventPriority = 10
	PriorityNormal EventPriority = 20
	PriorityHigh   EventPriority = 30
)

// Eventer is the contract for every data packet flowing through the Hub.
type Eventer interface {
	GetID() string
	GetConversationID() uuid.UUID
	GetMessageID() uuid.UUID
	GetPriority() EventPriority
	GetOccurredAt() int64
	// WirePayload returns the JSON body delivered to the client, marshaled
	// once and cached across the fan-out.
	WirePayload() (json.RawMessage, error)
}

// DeliveryEvent is the concrete event fanned out by the stream consumer.
type DeliveryEvent struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	MessageID      uuid.UUID
	Seq            int64 // per-conversation sequence from the message row
	Payload        json.RawMessage
	Priority       EventPriority
	OccurredAt     int64

	cached json.RawMessage
}

var _ Eventer = (*DeliveryEvent)(nil)

// NewDeliveryEvent wraps a stream entry payload for hub fan-out.
func NewDeliveryEvent(conversationID, messageID uuid.UUID, seq int64, payload json.RawMessage) *DeliveryEvent {
	return &DeliveryEvent{
		ID:             uuid.New(),
		ConversationID: conversationID,
		MessageID:      messageID,
		Seq:            seq,
		Payload:        payload,
		Priority:       PriorityHigh,
		OccurredAt:     time.Now().UnixMilli(),
	}
}

func (e *DeliveryEvent) GetID() string                  { return e.ID.String() }
func (e *DeliveryEvent) GetConversationID() uuid.UUID   { return e.ConversationID }
func (e *DeliveryEvent) GetMessageID() uuid.UUID        { return e.MessageID }
func (e *DeliveryEvent) GetPriority() EventPriority     { return e.Priority }
func (e *DeliveryEvent) GetOccurredAt() int64           { return e.OccurredAt }

// WirePayload marshals the delivery body once per fan-out group.
func (e *DeliveryEvent) WirePayload() (json.RawMessage, error) {
	if e.cached != nil {
		return e.cached, nil
	}
	body := struct {
		ConversationID uuid.UUID       `json:"conversationId"`
		MessageID      uuid.UUID       `json:"messageId"`
		Seq            int64           `json:"seq"`
		Payload        json.RawMessage `json:"payload"`
	}{e.ConversationID, e.MessageID, e.Seq, e.Payload}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	e.cached = raw
	return raw, nil
}

// DeliveryEnvelope is the in-flight frame carried to one connection. ServerSeq
// is per-connection and strictly monotonic; it is stamped by the connection's
// writer immediately before send.
type DeliveryEnvelope struct {
	ServerSeq      int64           `json:"seq"`
	ConversationID uuid.UUID       `json:"conversationId"`
	MessageID      uuid.UUID       `json:"messageId"`
	Payload        json.RawMessage `json:"payload"`
}
