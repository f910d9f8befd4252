package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

func testIdentity() model.Identity {
	return model.Identity{AccountID: uuid.New(), DeviceID: "d1", SessionID: "s1"}
}

func payloadOfSize(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return append(append([]byte(`{"pad":"`), b...), `"}`...)
}

func sessionEvent(payload []byte) *model.DeliveryEvent {
	ev := model.NewDeliveryEvent(uuid.New(), uuid.New(), 1, payload)
	// Prime the cached wire payload so sizes are deterministic.
	_, _ = ev.WirePayload()
	return ev
}

func TestSessionSendAndNext(t *testing.T) {
	s := NewSession(context.Background(), testIdentity(), 4, 1<<20, DropOld)
	defer s.Close()

	ev := sessionEvent([]byte(`{}`))
	require.True(t, s.Send(ev, time.Second))

	got, ok := s.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, ev.GetID(), got.GetID())
}

func TestSessionDropNewShedsIncoming(t *testing.T) {
	s := NewSession(context.Background(), testIdentity(), 1, 1<<20, DropNew)
	defer s.Close()

	first := sessionEvent([]byte(`{"n":1}`))
	second := sessionEvent([]byte(`{"n":2}`))
	require.True(t, s.Send(first, 10*time.Millisecond))
	assert.False(t, s.Send(second, 10*time.Millisecond))
	assert.EqualValues(t, 1, s.Dropped())

	got, ok := s.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, first.GetID(), got.GetID(), "queued event survives under drop_new")
}

func TestSessionDropOldEvictsQueued(t *testing.T) {
	s := NewSession(context.Background(), testIdentity(), 1, 1<<20, DropOld)
	defer s.Close()

	first := sessionEvent([]byte(`{"n":1}`))
	second := sessionEvent([]byte(`{"n":2}`))
	require.True(t, s.Send(first, 10*time.Millisecond))
	require.True(t, s.Send(second, 10*time.Millisecond))
	assert.EqualValues(t, 1, s.Dropped())

	got, ok := s.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, second.GetID(), got.GetID(), "newest event wins under drop_old")
}

func TestSessionByteBudget(t *testing.T) {
	// Budget fits one large payload but not two.
	s := NewSession(context.Background(), testIdentity(), 16, 600, DropNew)
	defer s.Close()

	big := sessionEvent(payloadOfSize(400))
	require.True(t, s.Send(big, 10*time.Millisecond))
	assert.False(t, s.Send(sessionEvent(payloadOfSize(400)), 10*time.Millisecond))

	// Draining releases the budget.
	_, ok := s.Next(context.Background())
	require.True(t, ok)
	assert.True(t, s.Send(sessionEvent(payloadOfSize(400)), 10*time.Millisecond))
}

func TestSessionOversizedEventNeverFits(t *testing.T) {
	s := NewSession(context.Background(), testIdentity(), 16, 100, DropOld)
	defer s.Close()

	assert.False(t, s.Send(sessionEvent(payloadOfSize(400)), 10*time.Millisecond))
	assert.EqualValues(t, 1, s.Dropped())
}

func TestSessionDrain(t *testing.T) {
	s := NewSession(context.Background(), testIdentity(), 8, 1<<20, DropOld)
	defer s.Close()

	for i := 0; i < 3; i++ {
		require.True(t, s.Send(sessionEvent([]byte(`{}`)), time.Second))
	}

	drained := s.Drain()
	assert.Len(t, drained, 3)
	assert.Empty(t, s.Drain())
}

func TestSessionCloseUnblocksNext(t *testing.T) {
	s := NewSession(context.Background(), testIdentity(), 4, 1<<20, DropOld)

	done := make(chan bool, 1)
	go func() {
		_, ok := s.Next(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on Close")
	}
}

func TestSessionSendAfterCloseFails(t *testing.T) {
	s := NewSession(context.Background(), testIdentity(), 4, 1<<20, DropOld)
	s.Close()
	assert.False(t, s.Send(sessionEvent([]byte(`{}`)), 10*time.Millisecond))
}

func TestSessionOverloadSignal(t *testing.T) {
	// Queue of two: the third shed event crosses the threshold.
	s := NewSession(context.Background(), testIdentity(), 2, 1<<20, DropNew)
	defer s.Close()

	require.True(t, s.Send(sessionEvent([]byte(`{}`)), 10*time.Millisecond))
	require.True(t, s.Send(sessionEvent([]byte(`{}`)), 10*time.Millisecond))

	assert.False(t, s.Send(sessionEvent([]byte(`{}`)), 10*time.Millisecond))
	select {
	case <-s.Overloaded():
		t.Fatal("overload raised below threshold")
	default:
	}

	assert.False(t, s.Send(sessionEvent([]byte(`{}`)), 10*time.Millisecond))
	select {
	case <-s.Overloaded():
	case <-time.After(time.Second):
		t.Fatal("overload signal missing after persistent shedding")
	}
}
