package model

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated principal attached to a connection.
// Produced by the authenticator from verified token claims.
type Identity struct {
	AccountID uuid.UUID
	DeviceID  string
	SessionID string
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the identity carries the named scope.
func (id Identity) HasScope(s string) bool {
	for _, v := range id.Scope {
		if v == s {
			return true
		}
	}
	return false
}

// AccessPolicy decides whether an identity may receive events for a
// conversation. The Hub treats it as a pure predicate.
type AccessPolicy func(id Identity, conversationID uuid.UUID) bool
