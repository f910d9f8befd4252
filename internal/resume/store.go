// Package resume persists short-TTL snapshots of per-connection delivery
// state so a client can reconnect and replay missed deliveries.
package resume

import (
	"context"
	"sync"
	"time"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// Store holds resume snapshots keyed by opaque token. Writes are
// last-writer-wins; readers must tolerate stale snapshots and reconcile via
// server sequence numbers.
type Store interface {
	// Load returns the snapshot for token, or nil when unknown or expired.
	Load(ctx context.Context, token string) (*model.ResumeSnapshot, error)
	// Persist writes or replaces the snapshot under the store's TTL.
	Persist(ctx context.Context, token string, snap model.ResumeSnapshot) error
	// Consume atomically loads and removes the snapshot: a snapshot resolves
	// at most one successful resume.
	Consume(ctx context.Context, token string) (*model.ResumeSnapshot, error)
	// Drop removes the snapshot, if present.
	Drop(ctx context.Context, token string) error
}

type memoryEntry struct {
	snap     model.ResumeSnapshot
	deadline time.Time
}

// MemoryStore is the single-node implementation. TTL is enforced lazily on
// read and by Sweep.
type MemoryStore struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, token string) (*model.ResumeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || s.now().After(e.deadline) {
		delete(s.entries, token)
		return nil, nil
	}
	snap := e.snap
	return &snap, nil
}

func (s *MemoryStore) Persist(_ context.Context, token string, snap model.ResumeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = memoryEntry{snap: snap, deadline: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, token string) (*model.ResumeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	delete(s.entries, token)
	if !ok || s.now().After(e.deadline) {
		return nil, nil
	}
	snap := e.snap
	return &snap, nil
}

func (s *MemoryStore) Drop(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

// Sweep evicts expired entries; wired into the hub janitor.
func (s *MemoryStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, e := range s.entries {
		if now.After(e.deadline) {
			delete(s.entries, token)
		}
	}
}
