package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
)

// Deliverer is the subscription surface transport handlers use.
type Deliverer interface {
	Subscribe(ctx context.Context, identity model.Identity) (*registry.Session, error)
	Unsubscribe(accountID, connID uuid.UUID)
}

type deliveryService struct {
	hub registry.Hubber
	cfg config.WS
}

func NewDeliveryService(hub registry.Hubber, cfg config.WS) Deliverer {
	return &deliveryService{hub: hub, cfg: cfg}
}

// Subscribe builds a bounded session for identity and attaches it to the hub.
// The handler pumps events off the session until Unsubscribe.
func (s *deliveryService) Subscribe(ctx context.Context, identity model.Identity) (*registry.Session, error) {
	sess := registry.NewSession(ctx, identity,
		s.cfg.SendQueueSize, s.cfg.MaxBufferedBytes, s.cfg.DropPolicy)
	s.hub.Register(sess)
	return sess, nil
}

func (s *deliveryService) Unsubscribe(accountID, connID uuid.UUID) {
	s.hub.Unregister(accountID, connID)
}
