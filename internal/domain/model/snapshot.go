package model

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// ResumeSnapshot is the short-TTL record that lets a client reconnect and
// replay missed deliveries. Writes are last-writer-wins; consumers reconcile
// staleness through server sequence numbers.
type ResumeSnapshot struct {
	AccountID     uuid.UUID          `json:"accountId"`
	DeviceID      string             `json:"deviceId"`
	LastServerSeq int64              `json:"lastServerSeq"`
	PendingTail   []DeliveryEnvelope `json:"pendingTail,omitempty"`
	SavedAt       time.Time          `json:"savedAt"`
}

// NewResumeToken returns an opaque high-entropy token.
func NewResumeToken() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a uuid
		// so the connection can still be established.
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// HubStats is the aggregate snapshot exposed on the stats endpoint.
type HubStats struct {
	Connections      int            `json:"connections"`
	QueuedEvents     int            `json:"queuedEvents"`
	Dropped          uint64         `json:"dropped"`
	Delivered        uint64         `json:"delivered"`
	Closed           uint64         `json:"closed"`
	PausedPartitions []string       `json:"pausedPartitions,omitempty"`
	ByCloseReason    map[string]int `json:"byCloseReason,omitempty"`
}
