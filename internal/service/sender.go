package service

import (
	"context"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/faults"
	"github.com/latticeim/im-realtime-service/internal/limits"
)

// SendResult reports an accepted message back to the transport.
type SendResult struct {
	MessageID uuid.UUID
	Seq       int64
	Replayed  bool
}

// Sender is the ingest surface shared by the WebSocket and REST transports.
type Sender interface {
	Send(ctx context.Context, identity model.Identity, p *model.MsgPayload, idempotencyKey string) (*SendResult, error)
}

// messageStore is the persistence seam: one transactional write covering the
// message row and its outbox event.
type messageStore interface {
	Create(ctx context.Context, msg *model.Message, idempotencyKey string) (*model.Message, bool, error)
}

type senderService struct {
	repo    messageStore
	limiter *limits.Composite
	access  model.AccessPolicy
}

func NewSenderService(repo messageStore, limiter *limits.Composite, access model.AccessPolicy) Sender {
	return &senderService{repo: repo, limiter: limiter, access: access}
}

// Send validates quota and membership, then persists the message with its
// outbox event. The sealed content is stored opaquely.
func (s *senderService) Send(ctx context.Context, identity model.Identity, p *model.MsgPayload, idempotencyKey string) (*SendResult, error) {
	d, err := s.limiter.Consume(ctx, principalFor(identity), 1)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "rate_limit_unavailable", "quota check failed", err)
	}
	if !d.Allowed {
		return nil, faults.ErrRateLimited.WithRetryAfter(d.RetryAfter)
	}

	if !s.access(identity, p.ConversationID) {
		return nil, faults.New(faults.KindAuthorization, "forbidden", "not a conversation participant")
	}

	content, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, "protocol_error", "content is not valid base64", err)
	}

	msg := &model.Message{
		ID:               uuid.New(),
		ConversationID:   p.ConversationID,
		SenderID:         identity.AccountID,
		Type:             "message",
		EncryptedContent: content,
	}
	persisted, replayed, err := s.repo.Create(ctx, msg, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &SendResult{
		MessageID: persisted.ID,
		Seq:       persisted.Seq,
		Replayed:  replayed,
	}, nil
}

// principalFor resolves the counting key per rate-limit scope.
func principalFor(identity model.Identity) func(limits.Scope) string {
	return func(scope limits.Scope) string {
		switch scope {
		case limits.ScopeUser:
			return identity.AccountID.String()
		case limits.ScopeSession:
			return identity.SessionID
		case limits.ScopeDevice:
			return identity.AccountID.String() + ":" + identity.DeviceID
		default:
			return "global"
		}
	}
}
