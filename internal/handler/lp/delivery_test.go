package lp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
	"github.com/latticeim/im-realtime-service/internal/faults"
)

type fakeAuth struct {
	identity model.Identity
	err      error
}

func (a *fakeAuth) Authenticate(context.Context, http.Header) (model.Identity, error) {
	if a.err != nil {
		return model.Identity{}, a.err
	}
	return a.identity, nil
}

type fakeDeliverer struct {
	sess *registry.Session
}

func (d *fakeDeliverer) Subscribe(ctx context.Context, identity model.Identity) (*registry.Session, error) {
	d.sess = registry.NewSession(ctx, identity, 64, 1<<20, registry.DropOld)
	return d.sess, nil
}

func (d *fakeDeliverer) Unsubscribe(uuid.UUID, uuid.UUID) {}

func lpFixture() (*Handler, *fakeDeliverer) {
	deliverer := &fakeDeliverer{}
	a := &fakeAuth{identity: model.Identity{AccountID: uuid.New(), DeviceID: "d1", SessionID: "s1"}}
	return NewHandler(slog.New(slog.DiscardHandler), a, deliverer), deliverer
}

func TestPollReturnsBufferedBatch(t *testing.T) {
	h, deliverer := lpFixture()

	req := httptest.NewRequest(http.MethodGet, "/v1/poll?wait=2", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Poll(rec, req)
	}()

	// Wait for the subscription, then queue two events.
	require.Eventually(t, func() bool { return deliverer.sess != nil }, time.Second, 5*time.Millisecond)
	for i := 0; i < 2; i++ {
		ev := model.NewDeliveryEvent(uuid.New(), uuid.New(), int64(i+1), []byte(`{"n":1}`))
		require.True(t, deliverer.sess.Send(ev, time.Second))
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not return")
	}

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, len(resp.Events), 1)
}

func TestPollTimesOutEmpty(t *testing.T) {
	h, _ := lpFixture()

	req := httptest.NewRequest(http.MethodGet, "/v1/poll?wait=1", nil)
	rec := httptest.NewRecorder()
	h.Poll(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPollUnauthorized(t *testing.T) {
	deliverer := &fakeDeliverer{}
	h := NewHandler(slog.New(slog.DiscardHandler), &fakeAuth{err: faults.ErrUnauthorized}, deliverer)

	rec := httptest.NewRecorder()
	h.Poll(rec, httptest.NewRequest(http.MethodGet, "/v1/poll", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, deliverer.sess)
}

func TestWaitForClampsAndDefaults(t *testing.T) {
	assert.Equal(t, defaultWait, waitFor(httptest.NewRequest(http.MethodGet, "/v1/poll", nil)))
	assert.Equal(t, defaultWait, waitFor(httptest.NewRequest(http.MethodGet, "/v1/poll?wait=abc", nil)))
	assert.Equal(t, 5*time.Second, waitFor(httptest.NewRequest(http.MethodGet, "/v1/poll?wait=5", nil)))
	assert.Equal(t, maxWait, waitFor(httptest.NewRequest(http.MethodGet, "/v1/poll?wait=600", nil)))
}
