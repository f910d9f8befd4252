package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// RedisStore is the shared-cache implementation. The TTL rides on every SET,
// so expiry survives process crashes; GETDEL gives consume-once resumes even
// with concurrent reconnect races.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + ":resume:" + token
}

func (s *RedisStore) Load(ctx context.Context, token string) (*model.ResumeSnapshot, error) {
	raw, err := s.rdb.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume: load: %w", err)
	}
	return decode(raw)
}

func (s *RedisStore) Persist(ctx context.Context, token string, snap model.ResumeSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("resume: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(token), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("resume: persist: %w", err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, token string) (*model.ResumeSnapshot, error) {
	raw, err := s.rdb.GetDel(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume: consume: %w", err)
	}
	return decode(raw)
}

func (s *RedisStore) Drop(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("resume: drop: %w", err)
	}
	return nil
}

func decode(raw []byte) (*model.ResumeSnapshot, error) {
	var snap model.ResumeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("resume: decode: %w", err)
	}
	return &snap, nil
}
