package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
	"github.com/latticeim/im-realtime-service/internal/faults"
	"github.com/latticeim/im-realtime-service/internal/limits"
	"github.com/latticeim/im-realtime-service/internal/resume"
	"github.com/latticeim/im-realtime-service/internal/service"
)

type fakeAuth struct {
	identity model.Identity
	err      error
	calls    atomic.Int32
}

func (a *fakeAuth) Authenticate(context.Context, http.Header) (model.Identity, error) {
	a.calls.Add(1)
	return a.identity, a.err
}

type fakeDeliverer struct {
	mu         sync.Mutex
	sess       *registry.Session
	queueSize  int
	maxBytes   int64
	dropPolicy string
}

func (d *fakeDeliverer) Subscribe(ctx context.Context, identity model.Identity) (*registry.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess := registry.NewSession(ctx, identity, d.queueSize, d.maxBytes, d.dropPolicy)
	d.sess = sess
	return sess, nil
}

func (d *fakeDeliverer) Unsubscribe(uuid.UUID, uuid.UUID) {}

func (d *fakeDeliverer) session() *registry.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*model.MsgPayload
	err  error
	seq  int64
}

func (s *fakeSender) Send(_ context.Context, _ model.Identity, p *model.MsgPayload, _ string) (*service.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, p)
	s.seq++
	return &service.SendResult{MessageID: uuid.New(), Seq: s.seq}, nil
}

type allowLimiter struct {
	denyScope limits.Scope
}

func (l *allowLimiter) Consume(_ context.Context, scope limits.Scope, _ string, _ int) (limits.Decision, error) {
	if l.denyScope != "" && l.denyScope == scope {
		return limits.Decision{Allowed: false, RetryAfter: time.Second}, nil
	}
	return limits.Decision{Allowed: true}, nil
}

type testEnv struct {
	srv       *httptest.Server
	auth      *fakeAuth
	deliverer *fakeDeliverer
	sender    *fakeSender
	limiter   *allowLimiter
	store     resume.Store
}

func newTestEnv(t *testing.T, opts ...func(*config.WS)) *testEnv {
	t.Helper()
	env := &testEnv{
		auth: &fakeAuth{identity: model.Identity{
			AccountID: uuid.New(),
			DeviceID:  "device-1",
			SessionID: "session-1",
		}},
		deliverer: &fakeDeliverer{queueSize: 64, maxBytes: 1 << 20, dropPolicy: registry.DropOld},
		sender:    &fakeSender{},
		limiter:   &allowLimiter{},
		store:     resume.NewMemoryStore(time.Minute),
	}
	cfg := config.WS{
		HeartbeatIntervalMs: 60000,
		MaxBufferedBytes:    1 << 20,
		MessageMaxBytes:     4096,
		SendQueueSize:       64,
		DropPolicy:          "drop_old",
		CheckpointEveryN:    8,
		CryptoFailThreshold: 3,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := NewHandler(slog.New(slog.DiscardHandler), env.auth, env.deliverer, env.sender, env.store, env.limiter, cfg)
	env.srv = httptest.NewServer(h)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var v map[string]any
	require.NoError(t, ws.ReadJSON(&v))
	return v
}

func msgFrame(t *testing.T, conv uuid.UUID) []byte {
	t.Helper()
	payload, err := json.Marshal(model.MsgPayload{
		ConversationID: conv,
		Content:        base64.StdEncoding.EncodeToString([]byte("sealed")),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(model.Frame{
		V: model.ProtocolVersion, ID: uuid.New(), Type: model.FrameMsg, Payload: payload,
	})
	require.NoError(t, err)
	return raw
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestConnectionAckCarriesResumeToken(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	ack := readFrame(t, ws)
	assert.Equal(t, model.FrameConnectionAck, ack["type"])
	payload := ack["payload"].(map[string]any)
	assert.NotEmpty(t, payload["resumeToken"])
}

func TestSendMessageAcked(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msgFrame(t, uuid.New())))

	ack := readFrame(t, ws)
	assert.Equal(t, model.FrameAck, ack["type"])
	assert.Equal(t, "accepted", ack["status"])
	assert.EqualValues(t, 1, ack["seq"])
}

func TestRateLimitedSendGetsErrorFrame(t *testing.T) {
	env := newTestEnv(t)
	env.sender.err = faults.ErrRateLimited.WithRetryAfter(3 * time.Second)
	ws := env.dial(t)
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msgFrame(t, uuid.New())))

	errFrame := readFrame(t, ws)
	assert.Equal(t, model.FrameError, errFrame["type"])
	assert.Equal(t, "rate_limited", errFrame["code"])

	ack := readFrame(t, ws)
	assert.Equal(t, "rejected", ack["status"])
}

func TestMalformedFrameClosesProtocolError(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"v":99}`)))
	expectClose(t, ws, faults.CloseProtocolError)
}

func TestUnauthenticatedClosesWith4401(t *testing.T) {
	env := newTestEnv(t)
	env.auth.err = faults.ErrUnauthorized
	ws := env.dial(t)
	expectClose(t, ws, faults.CloseUnauthorized)
}

func TestConnectionQuotaClosesWith1013(t *testing.T) {
	env := newTestEnv(t)
	env.limiter.denyScope = limits.ScopeUser
	ws := env.dial(t)
	expectClose(t, ws, faults.CloseOverloaded)
}

func TestRemoteQuotaRejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	env.limiter.denyScope = limits.ScopeRemote

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Zero(t, env.auth.calls.Load(), "credentials must not be inspected for throttled peers")
}

func TestDeliveryStampsServerSeq(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)
	readFrame(t, ws)

	sess := env.deliverer.session()
	require.NotNil(t, sess)

	ev1 := model.NewDeliveryEvent(uuid.New(), uuid.New(), 1, []byte(`{"n":1}`))
	ev2 := model.NewDeliveryEvent(uuid.New(), uuid.New(), 2, []byte(`{"n":2}`))
	require.True(t, sess.Send(ev1, time.Second))
	require.True(t, sess.Send(ev2, time.Second))

	first := readFrame(t, ws)
	second := readFrame(t, ws)
	assert.Equal(t, model.FrameMsg, first["type"])
	assert.EqualValues(t, 1, first["seq"])
	assert.EqualValues(t, 2, second["seq"])
}

func TestPingGetsPong(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)
	readFrame(t, ws)

	raw, err := json.Marshal(model.Frame{V: model.ProtocolVersion, ID: uuid.New(), Type: model.FramePing})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))

	pong := readFrame(t, ws)
	assert.Equal(t, model.FramePong, pong["type"])
}

func TestResumeReplaysPendingTail(t *testing.T) {
	env := newTestEnv(t)

	// A previous connection left a snapshot with two undelivered envelopes.
	token := "resume-token-1"
	snap := model.ResumeSnapshot{
		AccountID:     env.auth.identity.AccountID,
		DeviceID:      env.auth.identity.DeviceID,
		LastServerSeq: 5,
		PendingTail: []model.DeliveryEnvelope{
			{ServerSeq: 4, ConversationID: uuid.New(), MessageID: uuid.New(), Payload: []byte(`{"n":4}`)},
			{ServerSeq: 5, ConversationID: uuid.New(), MessageID: uuid.New(), Payload: []byte(`{"n":5}`)},
		},
		SavedAt: time.Now(),
	}
	require.NoError(t, env.store.Persist(context.Background(), token, snap))

	ws := env.dial(t)
	readFrame(t, ws)

	payload, err := json.Marshal(model.ResumePayload{ResumeToken: token, LastClientSeq: 4})
	require.NoError(t, err)
	raw, err := json.Marshal(model.Frame{
		V: model.ProtocolVersion, ID: uuid.New(), Type: model.FrameResume, Payload: payload,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))

	// Only the envelope past the client's watermark comes back.
	replayed := readFrame(t, ws)
	assert.Equal(t, model.FrameMsg, replayed["type"])
	assert.EqualValues(t, 5, replayed["seq"])

	ack := readFrame(t, ws)
	assert.Equal(t, model.FrameAck, ack["type"])
	assert.Equal(t, "accepted", ack["status"])

	// The token is consume-once.
	got, err := env.store.Load(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResumeWithUnknownTokenDegradesToFresh(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)
	readFrame(t, ws)

	payload, err := json.Marshal(model.ResumePayload{ResumeToken: "nope", LastClientSeq: 0})
	require.NoError(t, err)
	raw, err := json.Marshal(model.Frame{
		V: model.ProtocolVersion, ID: uuid.New(), Type: model.FrameResume, Payload: payload,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))

	errFrame := readFrame(t, ws)
	assert.Equal(t, model.FrameError, errFrame["type"])
	assert.Equal(t, "resume_failed", errFrame["code"])
}

func TestHeartbeatTimeoutClosesWith1011(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.WS) {
		cfg.HeartbeatIntervalMs = 150
	})
	ws := env.dial(t)
	readFrame(t, ws)

	// Swallow server pings so the read deadline expires without a pong.
	ws.SetPingHandler(func(string) error { return nil })

	expectClose(t, ws, faults.CloseInternalError)
}

func TestOverloadedSessionClosesWith1013(t *testing.T) {
	env := newTestEnv(t)
	env.deliverer.queueSize = 1
	env.deliverer.maxBytes = 10
	ws := env.dial(t)

	ack := readFrame(t, ws)
	token := ack["payload"].(map[string]any)["resumeToken"].(string)

	sess := env.deliverer.session()
	require.NotNil(t, sess)

	// An event that can never fit the byte budget is shed, which on a
	// one-slot queue immediately marks the session overloaded.
	big := model.NewDeliveryEvent(uuid.New(), uuid.New(), 1, []byte(`{"pad":"`+strings.Repeat("x", 100)+`"}`))
	assert.False(t, sess.Send(big, 100*time.Millisecond))

	expectClose(t, ws, faults.CloseOverloaded)

	// The close path still snapshots what the client may have missed.
	var snap *model.ResumeSnapshot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		snap, err = env.store.Load(context.Background(), token)
		require.NoError(t, err)
		if snap != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, snap, "snapshot persisted on overload close")
}

func TestDisconnectPersistsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	ack := readFrame(t, ws)
	token := ack["payload"].(map[string]any)["resumeToken"].(string)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msgFrame(t, uuid.New())))
	readFrame(t, ws)

	ws.Close()

	var snap *model.ResumeSnapshot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		snap, err = env.store.Load(context.Background(), token)
		require.NoError(t, err)
		if snap != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, snap, "snapshot persisted on disconnect")
	assert.Equal(t, env.auth.identity.AccountID, snap.AccountID)
}
