package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// Drop policies for a full session queue.
const (
	DropOld = "drop_old"
	DropNew = "drop_new"
)

var _ Connector = (*Session)(nil)

// Session is the concrete connector backing one WebSocket. It owns the
// bounded per-connection queue: a count cap plus a byte budget, with the
// configured policy deciding which side of a full queue loses.
type Session struct {
	id       uuid.UUID
	identity model.Identity

	sendCh     chan model.Eventer
	queueBytes atomic.Int64
	maxBytes   int64
	dropPolicy string

	ctx       context.Context
	cancelFn  context.CancelFunc
	closeOnce sync.Once
	dropped   atomic.Uint64
	createdAt time.Time

	// overload fires once the session has shed a full queue's worth of
	// events. The transport closes the connection instead of thinning the
	// stream forever.
	overload      chan struct{}
	overloadOnce  sync.Once
	overloadAfter uint64
}

func NewSession(ctx context.Context, identity model.Identity, queueSize int, maxBytes int64, dropPolicy string) *Session {
	childCtx, cancel := context.WithCancel(ctx)
	overloadAfter := uint64(queueSize)
	if overloadAfter == 0 {
		overloadAfter = 1
	}
	return &Session{
		id:            uuid.New(),
		identity:      identity,
		sendCh:        make(chan model.Eventer, queueSize),
		maxBytes:      maxBytes,
		dropPolicy:    dropPolicy,
		ctx:           childCtx,
		cancelFn:      cancel,
		createdAt:     time.Now(),
		overload:      make(chan struct{}),
		overloadAfter: overloadAfter,
	}
}

func (s *Session) GetID() uuid.UUID            { return s.id }
func (s *Session) GetIdentity() model.Identity { return s.identity }

// Send enqueues ev, waiting up to timeout for space. On a persistently full
// queue the drop policy applies: drop_old evicts the oldest queued event to
// admit the new one, drop_new sheds the incoming event.
func (s *Session) Send(ev model.Eventer, timeout time.Duration) bool {
	size := s.eventSize(ev)
	if s.maxBytes > 0 && s.queueBytes.Load()+size > s.maxBytes {
		return s.overflow(ev, size)
	}

	select {
	case <-s.ctx.Done():
		return false
	case s.sendCh <- ev:
		s.queueBytes.Add(size)
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case s.sendCh <- ev:
		s.queueBytes.Add(size)
		return true
	case <-timer.C:
		return s.overflow(ev, size)
	}
}

// overflow applies the drop policy to a queue that stayed full.
func (s *Session) overflow(ev model.Eventer, size int64) bool {
	if s.dropPolicy == DropNew {
		s.shed(1)
		return false
	}
	// drop_old: evict queued events until the newcomer fits. An event larger
	// than the whole budget can never fit and is shed outright.
	if s.maxBytes > 0 && size > s.maxBytes {
		s.shed(1)
		return false
	}
	for {
		overBudget := s.maxBytes > 0 && s.queueBytes.Load()+size > s.maxBytes
		if !overBudget {
			select {
			case s.sendCh <- ev:
				s.queueBytes.Add(size)
				return true
			default:
			}
		}
		select {
		case old, ok := <-s.sendCh:
			if !ok {
				return false
			}
			s.queueBytes.Add(-s.eventSize(old))
			s.shed(1)
		default:
			// Nothing left to evict and still no room: a racing reader owns
			// the queue now, shed the newcomer.
			s.shed(1)
			return false
		}
	}
}

// shed counts dropped events and raises the overload signal once the total
// crosses the session's threshold.
func (s *Session) shed(n uint64) {
	if s.dropped.Add(n) >= s.overloadAfter {
		s.overloadOnce.Do(func() { close(s.overload) })
	}
}

// Overloaded fires when the session has persistently shed events. The owning
// transport should close the connection as overloaded and snapshot what
// remains for resume.
func (s *Session) Overloaded() <-chan struct{} { return s.overload }

// Events exposes the queue for select loops. Callers must pass every event
// they take to Release so the byte budget stays balanced.
func (s *Session) Events() <-chan model.Eventer { return s.sendCh }

// Release returns ev's bytes to the queue budget after consumption.
func (s *Session) Release(ev model.Eventer) {
	s.queueBytes.Add(-s.eventSize(ev))
}

// Next pops the next queued event, blocking until one arrives, the session
// closes, or ctx ends. The byte budget is released here.
func (s *Session) Next(ctx context.Context) (model.Eventer, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-s.ctx.Done():
		return nil, false
	case ev, ok := <-s.sendCh:
		if !ok {
			return nil, false
		}
		s.Release(ev)
		return ev, true
	}
}

// Drain empties the queue without blocking, returning what was buffered.
// Used to capture the pending tail for a resume snapshot on disconnect.
func (s *Session) Drain() []model.Eventer {
	var out []model.Eventer
	for {
		select {
		case ev, ok := <-s.sendCh:
			if !ok {
				return out
			}
			s.queueBytes.Add(-s.eventSize(ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Dropped reports how many events this session shed.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Done exposes the session's lifecycle for select loops.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Close cancels in-flight sends and tears the queue down. Safe to call from
// the hub, the janitor and the handler's defer concurrently.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancelFn()
	})
}

func (s *Session) eventSize(ev model.Eventer) int64 {
	raw, err := ev.WirePayload()
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
