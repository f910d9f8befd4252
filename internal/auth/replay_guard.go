package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ReplayGuard records token identifiers for a TTL and reports replays.
type ReplayGuard interface {
	// Seen marks jti and reports whether it was already recorded within ttl.
	Seen(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// LocalReplayGuard is a process-local guard for single-node deployments.
type LocalReplayGuard struct {
	cache *expirable.LRU[string, struct{}]
}

// NewLocalReplayGuard sizes the cache for the expected token issue rate over
// one TTL window.
func NewLocalReplayGuard(size int, ttl time.Duration) *LocalReplayGuard {
	return &LocalReplayGuard{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (g *LocalReplayGuard) Seen(_ context.Context, jti string, _ time.Duration) (bool, error) {
	if _, ok := g.cache.Get(jti); ok {
		return true, nil
	}
	g.cache.Add(jti, struct{}{})
	return false, nil
}

// RedisReplayGuard shares the seen-set across replicas via SET NX EX, with a
// local first-level cache in front to keep the hot path off the network.
type RedisReplayGuard struct {
	rdb    redis.UniversalClient
	prefix string
	local  *expirable.LRU[string, struct{}]
}

func NewRedisReplayGuard(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{
		rdb:    rdb,
		prefix: prefix,
		local:  expirable.NewLRU[string, struct{}](16384, nil, ttl),
	}
}

func (g *RedisReplayGuard) Seen(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if _, ok := g.local.Get(jti); ok {
		return true, nil
	}
	ok, err := g.rdb.SetNX(ctx, g.key(jti), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: jti guard: %w", err)
	}
	g.local.Add(jti, struct{}{})
	// SETNX returns false when the key already existed: a replay.
	return !ok, nil
}

func (g *RedisReplayGuard) key(jti string) string {
	return g.prefix + ":jti:" + jti
}
