package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// sessionSendTimeout bounds how long a cell waits on one session's queue
// before shedding. A stalled device must not hold the whole cell's mailbox.
const sessionSendTimeout = 500 * time.Millisecond

// Celler is the per-account delivery unit behind the hub.
type Celler interface {
	Push(ev model.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	Identity() model.Identity
	IsIdle(timeout time.Duration) bool
	Load() (queued, capacity int)
	Sessions() int
	Stop()
}

// Cell is the actor owning all sessions of a single account. Its buffered
// mailbox decouples the stream consumer from individual socket latency: a
// slow device backs up its own session queue, not the consumer loop.
type Cell struct {
	accountID uuid.UUID
	mailbox   chan model.Eventer

	mu             sync.RWMutex
	identity       model.Identity
	sessions       map[uuid.UUID]Connector
	lastActivityAt time.Time

	doneCh    chan struct{}
	stopOnce  sync.Once
	delivered func(n int)
	dropped   func(n int)
}

func NewCell(accountID uuid.UUID, bufferSize int, delivered, dropped func(int)) *Cell {
	c := &Cell{
		accountID:      accountID,
		mailbox:        make(chan model.Eventer, bufferSize),
		sessions:       make(map[uuid.UUID]Connector),
		lastActivityAt: time.Now(),
		doneCh:         make(chan struct{}),
		delivered:      delivered,
		dropped:        dropped,
	}
	go c.loop()
	return c
}

// Push enqueues without blocking. A full mailbox sheds the event; the hub
// counts the drop and the consumer's pause threshold keeps this rare.
func (c *Cell) Push(ev model.Eventer) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		c.dropped(1)
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	if len(c.sessions) == 0 {
		c.identity = conn.GetIdentity()
	}
	c.sessions[conn.GetID()] = conn
}

// Detach removes one session and reports whether the cell is now empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

func (c *Cell) Identity() model.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// IsIdle reports whether the cell has no sessions and has been quiet longer
// than timeout. The janitor evicts idle cells.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

// Load reports mailbox occupancy for the saturation signal.
func (c *Cell) Load() (queued, capacity int) {
	return len(c.mailbox), cap(c.mailbox)
}

func (c *Cell) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Stop terminates the cell's loop. Unregister, the janitor and Shutdown may
// race here, so it is idempotent.
func (c *Cell) Stop() {
	c.stopOnce.Do(func() { close(c.doneCh) })
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

// deliver multiplexes one event to every session of the account. The wire
// payload is marshaled once per event regardless of session count.
func (c *Cell) deliver(ev model.Eventer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, conn := range c.sessions {
		if conn.Send(ev, sessionSendTimeout) {
			c.delivered(1)
		} else {
			c.dropped(1)
		}
	}
}
