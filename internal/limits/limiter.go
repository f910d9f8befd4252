// Package limits implements fixed-window rate buckets scoped by principal.
// A request passes a composite limiter only if every configured scope admits
// it; on denial the caller receives the remaining window as a retry hint.
package limits

import (
	"context"
	"sync"
	"time"
)

// Scope names the dimension a bucket counts on.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
	ScopeDevice  Scope = "device"
	// ScopeRemote counts by peer address, before any credentials are seen.
	ScopeRemote Scope = "remote"
)

// Decision is the outcome of a consume call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a token-bucket counter over a fixed window.
type Limiter interface {
	// Consume atomically spends n tokens for principal within the current
	// window. Overflow returns Allowed=false without incrementing.
	Consume(ctx context.Context, scope Scope, principal string, n int) (Decision, error)
}

// Rule binds a scope to its per-window capacity.
type Rule struct {
	Scope    Scope
	Capacity int
}

type bucket struct {
	count       int
	windowStart time.Time
}

// MemoryLimiter is the single-node implementation.
type MemoryLimiter struct {
	window  time.Duration
	rules   map[Scope]int
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryLimiter builds a limiter with the given window and rules.
// Scopes without a rule are unlimited.
func NewMemoryLimiter(window time.Duration, rules ...Rule) *MemoryLimiter {
	m := &MemoryLimiter{
		window:  window,
		rules:   make(map[Scope]int, len(rules)),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, r := range rules {
		m.rules[r.Scope] = r.Capacity
	}
	return m
}

func (m *MemoryLimiter) Consume(_ context.Context, scope Scope, principal string, n int) (Decision, error) {
	capacity, limited := m.rules[scope]
	if !limited {
		return Decision{Allowed: true}, nil
	}
	if n <= 0 {
		n = 1
	}

	key := string(scope) + ":" + principal
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || now.Sub(b.windowStart) >= m.window {
		b = &bucket{windowStart: now}
		m.buckets[key] = b
	}
	if b.count+n > capacity {
		remaining := m.window - now.Sub(b.windowStart)
		return Decision{Allowed: false, RetryAfter: remaining}, nil
	}
	b.count += n
	return Decision{Allowed: true}, nil
}

// Sweep drops buckets whose window has long rolled over. Called by the
// janitor to bound memory on churny principals.
func (m *MemoryLimiter) Sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.buckets {
		if now.Sub(b.windowStart) >= 2*m.window {
			delete(m.buckets, k)
		}
	}
}

// Composite evaluates several limiters in order; the first denial wins.
type Composite struct {
	limiter Limiter
	scopes  []Scope
}

// NewComposite wires the scope chain a route must pass.
func NewComposite(limiter Limiter, scopes ...Scope) *Composite {
	return &Composite{limiter: limiter, scopes: scopes}
}

// Consume passes iff every configured scope admits the request. Principals
// are resolved by the supplied function per scope.
func (c *Composite) Consume(ctx context.Context, principalFor func(Scope) string, n int) (Decision, error) {
	for _, scope := range c.scopes {
		d, err := c.limiter.Consume(ctx, scope, principalFor(scope), n)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}
