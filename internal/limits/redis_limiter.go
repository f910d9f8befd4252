package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript checks capacity before incrementing so a denied call never
// spends tokens, and stamps the window TTL on first use.
//
// KEYS[1] bucket key for the current window
// ARGV[1] tokens requested, ARGV[2] capacity, ARGV[3] window millis
// Returns {allowed(0|1), pttl of the window}.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
if current + n > capacity then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then ttl = tonumber(ARGV[3]) end
  return {0, ttl}
end
redis.call('INCRBY', KEYS[1], n)
if current == 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, 0}
`)

// RedisLimiter shares fixed-window buckets across replicas.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	window time.Duration
	rules  map[Scope]int
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.UniversalClient, prefix string, window time.Duration, rules ...Rule) *RedisLimiter {
	l := &RedisLimiter{
		rdb:    rdb,
		prefix: prefix,
		window: window,
		rules:  make(map[Scope]int, len(rules)),
		now:    time.Now,
	}
	for _, r := range rules {
		l.rules[r.Scope] = r.Capacity
	}
	return l
}

func (l *RedisLimiter) Consume(ctx context.Context, scope Scope, principal string, n int) (Decision, error) {
	capacity, limited := l.rules[scope]
	if !limited {
		return Decision{Allowed: true}, nil
	}
	if n <= 0 {
		n = 1
	}

	// Keying by window index gives atomic reset on roll without a sweeper.
	window := l.now().UnixMilli() / l.window.Milliseconds()
	key := fmt.Sprintf("%s:rl:%s:%s:%d", l.prefix, scope, principal, window)

	res, err := consumeScript.Run(ctx, l.rdb, []string{key},
		n, capacity, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("limits: consume: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("limits: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
