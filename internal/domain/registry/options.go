package registry

import "time"

// Option configures the Hub.
type Option func(*Hub)

// WithEvictionInterval sets how often the janitor scans for idle cells.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithIdleTimeout sets the quiet period after which a session-less cell is
// eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithMailboxSize sets each cell's mailbox capacity.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}
