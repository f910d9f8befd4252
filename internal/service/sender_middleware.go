package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/faults"
)

// senderMiddleware decorates the Sender with timing and outcome logging,
// keeping observability out of the business path.
type senderMiddleware struct {
	next   Sender
	logger *slog.Logger
}

func newSenderMiddleware(next Sender, logger *slog.Logger) Sender {
	return &senderMiddleware{next: next, logger: logger.With("component", "sender")}
}

func (m *senderMiddleware) Send(ctx context.Context, identity model.Identity, p *model.MsgPayload, idempotencyKey string) (*SendResult, error) {
	start := time.Now()
	res, err := m.next.Send(ctx, identity, p, idempotencyKey)
	elapsed := time.Since(start)

	if err != nil {
		m.logger.Warn("send rejected",
			"account_id", identity.AccountID,
			"conversation_id", p.ConversationID,
			"code", faults.CodeOf(err),
			"duration_ms", elapsed.Milliseconds(),
		)
		return nil, err
	}

	m.logger.Debug("message accepted",
		"account_id", identity.AccountID,
		"conversation_id", p.ConversationID,
		"message_id", res.MessageID,
		"seq", res.Seq,
		"replayed", res.Replayed,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}
