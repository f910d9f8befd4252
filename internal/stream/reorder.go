package stream

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// laneIdleTTL bounds how long a silent conversation keeps its ordering state.
const laneIdleTTL = 10 * time.Minute

// reorderBuffer restores per-conversation seq order across the stream's
// interleaving. Entries arriving ahead of the expected seq are held per
// conversation lane; a lane that overflows its capacity or outwaits the
// timeout is flushed in seq order, skipping the gap.
type reorderBuffer struct {
	capacity int
	timeout  time.Duration
	now      func() time.Time
	lanes    map[uuid.UUID]*lane
}

type lane struct {
	next       int64 // next expected seq, 0 until the first entry is seen
	pending    map[int64]*model.StreamEntry
	oldestHeld time.Time
	lastActive time.Time
}

func newReorderBuffer(capacity int, timeout time.Duration) *reorderBuffer {
	return &reorderBuffer{
		capacity: capacity,
		timeout:  timeout,
		now:      time.Now,
		lanes:    make(map[uuid.UUID]*lane),
	}
}

// Offer accepts one entry and returns every entry now deliverable in order.
// Entries without a seq bypass ordering entirely. Entries at or below the
// already-delivered watermark return empty: the caller acks them as stale.
func (b *reorderBuffer) Offer(entry *model.StreamEntry) []*model.StreamEntry {
	if entry.Seq == 0 {
		return []*model.StreamEntry{entry}
	}

	now := b.now()
	ln := b.lanes[entry.AggregateID]
	if ln == nil {
		ln = &lane{pending: make(map[int64]*model.StreamEntry)}
		b.lanes[entry.AggregateID] = ln
	}
	ln.lastActive = now

	if ln.next == 0 {
		ln.next = entry.Seq
	}
	if entry.Seq < ln.next {
		return nil
	}

	if entry.Seq == ln.next {
		out := []*model.StreamEntry{entry}
		ln.next++
		out = ln.drain(out)
		return out
	}

	// Ahead of the watermark: hold it.
	if _, dup := ln.pending[entry.Seq]; dup {
		return nil
	}
	ln.pending[entry.Seq] = entry
	if len(ln.pending) == 1 {
		ln.oldestHeld = now
	}
	if len(ln.pending) > b.capacity {
		return ln.flush()
	}
	return nil
}

// Flush releases lanes whose held entries have outwaited the timeout and
// drops lanes idle past laneIdleTTL. Returns released entries in order.
func (b *reorderBuffer) Flush() []*model.StreamEntry {
	now := b.now()
	var out []*model.StreamEntry
	for id, ln := range b.lanes {
		if len(ln.pending) > 0 && now.Sub(ln.oldestHeld) >= b.timeout {
			out = append(out, ln.flush()...)
		}
		if len(ln.pending) == 0 && now.Sub(ln.lastActive) >= laneIdleTTL {
			delete(b.lanes, id)
		}
	}
	return out
}

// Held reports how many entries are parked across all lanes.
func (b *reorderBuffer) Held() int {
	n := 0
	for _, ln := range b.lanes {
		n += len(ln.pending)
	}
	return n
}

// drain moves consecutive pending entries starting at next into out.
func (ln *lane) drain(out []*model.StreamEntry) []*model.StreamEntry {
	for {
		e, ok := ln.pending[ln.next]
		if !ok {
			return out
		}
		delete(ln.pending, ln.next)
		ln.next++
		out = append(out, e)
	}
}

// flush gives up on the gap: every pending entry goes out in seq order and
// the watermark jumps past the highest released seq.
func (ln *lane) flush() []*model.StreamEntry {
	if len(ln.pending) == 0 {
		return nil
	}
	seqs := make([]int64, 0, len(ln.pending))
	for seq := range ln.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := make([]*model.StreamEntry, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, ln.pending[seq])
		delete(ln.pending, seq)
	}
	ln.next = seqs[len(seqs)-1] + 1
	return out
}
