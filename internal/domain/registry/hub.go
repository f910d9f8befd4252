// Package registry fans delivery events out to connected clients through
// per-account actor cells. Each active account gets an isolated cell with a
// buffered mailbox, so a slow consumer backs up only its own queue; the hub
// routes by conversation membership through an injected access policy.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// Hubber is the gateway for session management and event routing.
type Hubber interface {
	Broadcast(ev model.Eventer) int
	Register(conn Connector)
	Unregister(accountID, connID uuid.UUID)
	IsConnected(accountID uuid.UUID) bool
	Saturation() float64
	Stats() model.HubStats
	Shutdown()
}

type hubConfig struct {
	mailboxSize      int
	idleTimeout      time.Duration
	evictionInterval time.Duration
}

// Hub routes events to account cells. Lookups ride a sync.Map; cell creation
// is lazy on first register.
type Hub struct {
	cells  sync.Map // uuid.UUID -> Celler
	policy model.AccessPolicy
	config hubConfig

	delivered atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Uint64

	// dropLog throttles backpressure warnings; drops come in bursts and
	// would otherwise flood the log.
	dropLog rate.Sometimes

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

func NewHub(policy model.AccessPolicy, opts ...Option) *Hub {
	h := &Hub{
		policy: policy,
		config: hubConfig{
			mailboxSize:      2048,
			idleTimeout:      30 * time.Minute,
			evictionInterval: 15 * time.Minute,
		},
		dropLog:     rate.Sometimes{Interval: 10 * time.Second},
		stopJanitor: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

// Broadcast pushes ev to every connected account allowed to see its
// conversation, returning how many cells accepted it.
func (h *Hub) Broadcast(ev model.Eventer) int {
	conv := ev.GetConversationID()
	delivered := 0
	h.cells.Range(func(_, val any) bool {
		cell, ok := val.(Celler)
		if !ok {
			return true
		}
		if !h.policy(cell.Identity(), conv) {
			return true
		}
		if cell.Push(ev) {
			delivered++
		}
		return true
	})
	return delivered
}

// Register attaches a connection, creating the account's cell on first use.
// Cells start a goroutine, so one is only constructed after a Load miss, and
// a racing loser is stopped rather than leaked.
func (h *Hub) Register(conn Connector) {
	accountID := conn.GetIdentity().AccountID
	val, ok := h.cells.Load(accountID)
	if !ok {
		fresh := h.newCell(accountID)
		var raced bool
		if val, raced = h.cells.LoadOrStore(accountID, fresh); raced {
			fresh.Stop()
		}
	}
	if cell, ok := val.(Celler); ok {
		cell.Attach(conn)
	}
}

// Unregister detaches a connection and reclaims the cell once its last
// session is gone.
func (h *Hub) Unregister(accountID, connID uuid.UUID) {
	val, ok := h.cells.Load(accountID)
	if !ok {
		return
	}
	cell, ok := val.(Celler)
	if !ok {
		return
	}
	h.closed.Add(1)
	if cell.Detach(connID) {
		cell.Stop()
		h.cells.Delete(accountID)
	}
}

func (h *Hub) IsConnected(accountID uuid.UUID) bool {
	_, ok := h.cells.Load(accountID)
	return ok
}

// Saturation returns the occupancy fraction of the fullest cell mailbox.
// The stream consumer pauses reads above its configured threshold.
func (h *Hub) Saturation() float64 {
	worst := 0.0
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok {
			queued, capacity := cell.Load()
			if capacity > 0 {
				if f := float64(queued) / float64(capacity); f > worst {
					worst = f
				}
			}
		}
		return true
	})
	return worst
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{
		Dropped:   h.dropped.Load(),
		Delivered: h.delivered.Load(),
		Closed:    h.closed.Load(),
	}
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok {
			stats.Connections += cell.Sessions()
			queued, _ := cell.Load()
			stats.QueuedEvents += queued
		}
		return true
	})
	return stats
}

// Shutdown stops the janitor and every cell goroutine. Connections are closed
// by their own handlers; the hub only reclaims routing state.
func (h *Hub) Shutdown() {
	h.janitorOnce.Do(func() { close(h.stopJanitor) })
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok {
			cell.Stop()
		}
		h.cells.Delete(key)
		return true
	})
}

func (h *Hub) newCell(accountID uuid.UUID) Celler {
	return NewCell(accountID, h.config.mailboxSize,
		func(n int) { h.delivered.Add(uint64(n)) },
		func(n int) {
			h.dropped.Add(uint64(n))
			h.dropLog.Do(func() {
				slog.Warn("shedding events under backpressure",
					"account_id", accountID, "dropped_total", h.dropped.Load())
			})
		},
	)
}

// janitor periodically evicts cells that kept no sessions through the idle
// window, bounding memory on churny workloads.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopJanitor:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if cell, ok := val.(Celler); ok && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}
