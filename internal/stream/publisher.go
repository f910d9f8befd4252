// Package stream moves committed outbox events through Redis Streams: the
// dispatcher publishes claimed rows, the consumer group reads them back,
// deduplicates, restores per-conversation order and fans out to the hub.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// Record field names on the stream wire.
const (
	fieldEventID     = "eventId"
	fieldMessageID   = "messageId"
	fieldAggregateID = "aggregateId"
	fieldEventType   = "eventType"
	fieldSeq         = "seq"
	fieldPayload     = "payload"
)

// Publisher appends events to the delivery stream.
type Publisher interface {
	Publish(ctx context.Context, ev model.OutboxEvent) (string, error)
}

// RedisPublisher is the XADD-backed publisher. Entries get broker-assigned
// monotonic ids; consumers rely on that ordering per stream, and on the seq
// field for ordering per conversation.
type RedisPublisher struct {
	rdb       redis.UniversalClient
	streamKey string
}

func NewRedisPublisher(rdb redis.UniversalClient, streamKey string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, streamKey: streamKey}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev model.OutboxEvent) (string, error) {
	values := map[string]any{
		fieldEventID:     ev.EventID.String(),
		fieldMessageID:   ev.MessageID.String(),
		fieldAggregateID: ev.AggregateID.String(),
		fieldEventType:   ev.EventType,
		fieldPayload:     string(ev.Payload),
	}
	// Copy seq out of the payload so consumers can reorder without decoding it.
	var probe struct {
		Seq int64 `json:"seq"`
	}
	if json.Unmarshal(ev.Payload, &probe) == nil && probe.Seq > 0 {
		values[fieldSeq] = strconv.FormatInt(probe.Seq, 10)
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamKey,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xadd: %w", err)
	}
	return id, nil
}

// parseEntry decodes one stream record. A malformed record is a permanent
// failure: the consumer dead-letters it rather than retrying.
func parseEntry(msg redis.XMessage) (*model.StreamEntry, error) {
	get := func(field string) (string, error) {
		v, ok := msg.Values[field]
		if !ok {
			return "", fmt.Errorf("stream: entry %s missing field %q", msg.ID, field)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("stream: entry %s field %q is not a string", msg.ID, field)
		}
		return s, nil
	}

	rawEvent, err := get(fieldEventID)
	if err != nil {
		return nil, err
	}
	eventID, err := uuid.Parse(rawEvent)
	if err != nil {
		return nil, fmt.Errorf("stream: entry %s bad eventId: %w", msg.ID, err)
	}
	rawMessage, err := get(fieldMessageID)
	if err != nil {
		return nil, err
	}
	messageID, err := uuid.Parse(rawMessage)
	if err != nil {
		return nil, fmt.Errorf("stream: entry %s bad messageId: %w", msg.ID, err)
	}
	rawAggregate, err := get(fieldAggregateID)
	if err != nil {
		return nil, err
	}
	aggregateID, err := uuid.Parse(rawAggregate)
	if err != nil {
		return nil, fmt.Errorf("stream: entry %s bad aggregateId: %w", msg.ID, err)
	}
	payload, err := get(fieldPayload)
	if err != nil {
		return nil, err
	}

	entry := &model.StreamEntry{
		StreamID:    msg.ID,
		EventID:     eventID,
		MessageID:   messageID,
		AggregateID: aggregateID,
		Payload:     []byte(payload),
	}

	// seq lives inside the payload for message events, but a dedicated field
	// wins when present so reordering needs no JSON decode.
	if raw, ok := msg.Values[fieldSeq].(string); ok {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stream: entry %s bad seq: %w", msg.ID, err)
		}
		entry.Seq = seq
	}
	return entry, nil
}
