package stream

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

type fakeSource struct {
	pending  []model.OutboxEvent
	sent     []int64
	failed   map[int64]string
	released int
}

func newFakeSource(events ...model.OutboxEvent) *fakeSource {
	return &fakeSource{pending: events, failed: make(map[int64]string)}
}

func (f *fakeSource) Claim(_ context.Context, batch int, _ time.Time) ([]model.OutboxEvent, error) {
	n := batch
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeSource) MarkSent(_ context.Context, ids []int64, _ time.Time) error {
	f.sent = append(f.sent, ids...)
	return nil
}

func (f *fakeSource) MarkFailed(_ context.Context, id int64, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeSource) Release(context.Context, time.Duration) (int64, error) {
	f.released++
	return 0, nil
}

type fakePublisher struct {
	published []uuid.UUID
	failOn    map[uuid.UUID]error
}

func (f *fakePublisher) Publish(_ context.Context, ev model.OutboxEvent) (string, error) {
	if err, ok := f.failOn[ev.EventID]; ok {
		return "", err
	}
	f.published = append(f.published, ev.EventID)
	return "1-0", nil
}

func outboxEvent(id int64, aggregate uuid.UUID) model.OutboxEvent {
	return model.OutboxEvent{
		ID:          id,
		EventID:     uuid.New(),
		MessageID:   uuid.New(),
		AggregateID: aggregate,
		EventType:   "message.created.v1",
		Payload:     []byte(`{"seq":1}`),
		OccurredAt:  time.Now(),
	}
}

func testDispatcher(source outboxSource, pub Publisher, batch int) *Dispatcher {
	cfg := config.Outbox{TickMs: 10, BatchSize: batch, MaxAttempts: 3}
	return NewDispatcher(source, pub, cfg, slog.New(slog.DiscardHandler))
}

func TestDispatcherPassPublishesAndSettles(t *testing.T) {
	conv := uuid.New()
	e1, e2 := outboxEvent(1, conv), outboxEvent(2, conv)
	source := newFakeSource(e1, e2)
	pub := &fakePublisher{}

	d := testDispatcher(source, pub, 16)
	n, err := d.pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{e1.EventID, e2.EventID}, pub.published)
	assert.Equal(t, []int64{1, 2}, source.sent)
	assert.Empty(t, source.failed)
}

func TestDispatcherFailureHoldsLaterEventsOfSameAggregate(t *testing.T) {
	conv, other := uuid.New(), uuid.New()
	e1, e2, e3 := outboxEvent(1, conv), outboxEvent(2, conv), outboxEvent(3, other)
	source := newFakeSource(e1, e2, e3)
	pub := &fakePublisher{failOn: map[uuid.UUID]error{e1.EventID: errors.New("broker down")}}

	d := testDispatcher(source, pub, 16)
	_, err := d.pass(context.Background())
	require.NoError(t, err)

	// e2 shares e1's conversation: requeued untried so order survives.
	// e3 belongs to another conversation and goes through.
	assert.Equal(t, []uuid.UUID{e3.EventID}, pub.published)
	assert.Equal(t, []int64{3}, source.sent)
	assert.Contains(t, source.failed, int64(1))
	assert.Contains(t, source.failed, int64(2))
	assert.Equal(t, "predecessor publish failed", source.failed[2])
}

func TestDispatcherEmptyClaimIsNoop(t *testing.T) {
	source := newFakeSource()
	pub := &fakePublisher{}

	d := testDispatcher(source, pub, 16)
	n, err := d.pass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.published)
}

func TestDispatcherBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	conv := uuid.New()
	pub := &fakePublisher{failOn: map[uuid.UUID]error{}}

	var events []model.OutboxEvent
	for i := int64(1); i <= 6; i++ {
		ev := outboxEvent(i, conv)
		pub.failOn[ev.EventID] = errors.New("broker down")
		events = append(events, ev)
	}
	source := newFakeSource(events...)

	d := testDispatcher(source, pub, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := d.pass(ctx)
		require.NoError(t, err)
	}

	// Five consecutive failures trip the breaker; the next pass claims nothing.
	n, err := d.pass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, source.pending, 1, "remaining event stays unclaimed while open")
}

func TestDispatcherRunReleasesOnShutdown(t *testing.T) {
	source := newFakeSource()
	pub := &fakePublisher{}
	d := testDispatcher(source, pub, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	// Startup recovery plus the shutdown release.
	assert.GreaterOrEqual(t, source.released, 2)
}
