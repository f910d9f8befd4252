package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// Connector is one live transport session (a WebSocket connection) attached
// to a cell. The concrete implementation lives in the transport layer; the
// registry only routes through this surface.
type Connector interface {
	GetID() uuid.UUID
	GetIdentity() model.Identity
	// Send hands an event to the connection's bounded queue, waiting up to
	// timeout for space. False means the event was shed.
	Send(ev model.Eventer, timeout time.Duration) bool
	Close()
}
