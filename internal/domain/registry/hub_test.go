package registry

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

type fakeConn struct {
	id       uuid.UUID
	identity model.Identity

	mu       sync.Mutex
	received []model.Eventer
	reject   bool
}

func newFakeConn(account uuid.UUID) *fakeConn {
	return &fakeConn{
		id:       uuid.New(),
		identity: model.Identity{AccountID: account, DeviceID: "d1"},
	}
}

func (c *fakeConn) GetID() uuid.UUID             { return c.id }
func (c *fakeConn) GetIdentity() model.Identity  { return c.identity }
func (c *fakeConn) Close()                       {}

func (c *fakeConn) Send(ev model.Eventer, _ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.received = append(c.received, ev)
	return true
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func allowAll(model.Identity, uuid.UUID) bool { return true }

func event(conv uuid.UUID) *model.DeliveryEvent {
	return model.NewDeliveryEvent(conv, uuid.New(), 1, []byte(`{}`))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestHubBroadcastReachesMember(t *testing.T) {
	h := NewHub(allowAll)
	defer h.Shutdown()

	conn := newFakeConn(uuid.New())
	h.Register(conn)

	n := h.Broadcast(event(uuid.New()))
	assert.Equal(t, 1, n)
	waitFor(t, func() bool { return conn.count() == 1 })
}

func TestHubPolicyFiltersNonMembers(t *testing.T) {
	conv := uuid.New()
	member, outsider := newFakeConn(uuid.New()), newFakeConn(uuid.New())

	policy := func(id model.Identity, c uuid.UUID) bool {
		return c == conv && id.AccountID == member.identity.AccountID
	}
	h := NewHub(policy)
	defer h.Shutdown()

	h.Register(member)
	h.Register(outsider)

	n := h.Broadcast(event(conv))
	assert.Equal(t, 1, n)
	waitFor(t, func() bool { return member.count() == 1 })
	assert.Zero(t, outsider.count())
}

func TestHubMultiplexesAcrossDevices(t *testing.T) {
	account := uuid.New()
	h := NewHub(allowAll)
	defer h.Shutdown()

	c1, c2 := newFakeConn(account), newFakeConn(account)
	h.Register(c1)
	h.Register(c2)

	h.Broadcast(event(uuid.New()))
	waitFor(t, func() bool { return c1.count() == 1 && c2.count() == 1 })
}

func TestHubUnregisterReclaimsEmptyCell(t *testing.T) {
	account := uuid.New()
	h := NewHub(allowAll)
	defer h.Shutdown()

	c1, c2 := newFakeConn(account), newFakeConn(account)
	h.Register(c1)
	h.Register(c2)

	h.Unregister(account, c1.id)
	assert.True(t, h.IsConnected(account), "one session still attached")

	h.Unregister(account, c2.id)
	assert.False(t, h.IsConnected(account))
}

func TestHubBroadcastAfterDisconnectDeliversNothing(t *testing.T) {
	account := uuid.New()
	h := NewHub(allowAll)
	defer h.Shutdown()

	conn := newFakeConn(account)
	h.Register(conn)
	h.Unregister(account, conn.id)

	assert.Zero(t, h.Broadcast(event(uuid.New())))
}

func TestHubSaturationTracksFullestMailbox(t *testing.T) {
	h := NewHub(allowAll, WithMailboxSize(4))
	defer h.Shutdown()

	// A rejecting session keeps the delivery loop from draining instantly,
	// but mailbox occupancy is what saturation measures, so stop the cell's
	// consumer by never registering a connection and pushing directly.
	account := uuid.New()
	conn := newFakeConn(account)
	conn.reject = true
	h.Register(conn)

	assert.Zero(t, h.Saturation())

	for i := 0; i < 4; i++ {
		h.Broadcast(event(uuid.New()))
	}
	// The loop drains the mailbox even when sessions reject, so saturation
	// returns to zero; the point is the value stays within [0,1].
	s := h.Saturation()
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestHubStatsCountsSessionsAndDrops(t *testing.T) {
	h := NewHub(allowAll)
	defer h.Shutdown()

	good := newFakeConn(uuid.New())
	bad := newFakeConn(uuid.New())
	bad.reject = true
	h.Register(good)
	h.Register(bad)

	h.Broadcast(event(uuid.New()))
	waitFor(t, func() bool {
		st := h.Stats()
		return st.Delivered == 1 && st.Dropped == 1
	})

	st := h.Stats()
	assert.Equal(t, 2, st.Connections)
}

func TestHubShutdownStopsCells(t *testing.T) {
	h := NewHub(allowAll)
	conn := newFakeConn(uuid.New())
	h.Register(conn)

	h.Shutdown()
	assert.False(t, h.IsConnected(conn.identity.AccountID))
}

func TestCellIdleEviction(t *testing.T) {
	h := NewHub(allowAll,
		WithIdleTimeout(10*time.Millisecond),
		WithEvictionInterval(10*time.Millisecond),
	)
	defer h.Shutdown()

	account := uuid.New()
	conn := newFakeConn(account)
	h.Register(conn)

	// Detach the session but leave the cell: Unregister would delete it
	// directly, so go through Detach to exercise the janitor path.
	val, ok := h.cells.Load(account)
	require.True(t, ok)
	val.(Celler).Detach(conn.id)

	waitFor(t, func() bool { return !h.IsConnected(account) })
}

func TestRepeatedRegisterDoesNotLeakGoroutines(t *testing.T) {
	h := NewHub(allowAll)
	defer h.Shutdown()

	account := uuid.New()
	h.Register(newFakeConn(account))
	time.Sleep(20 * time.Millisecond)
	before := runtime.NumGoroutine()

	// Every extra device of a live account reuses the existing cell; only a
	// Load miss may construct one.
	for i := 0; i < 50; i++ {
		h.Register(newFakeConn(account))
	}
	time.Sleep(50 * time.Millisecond)

	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+2,
		"re-registering a live account must not spawn cell loops")
}

func TestCellStopIdempotent(t *testing.T) {
	c := NewCell(uuid.New(), 8, func(int) {}, func(int) {})
	c.Stop()
	assert.NotPanics(t, func() { c.Stop() })
}
