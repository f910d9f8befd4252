// Package ws is the realtime transport: it upgrades, authenticates and
// registers connections, pumps hub deliveries down the socket and client
// frames up into the send path, and persists resume snapshots around
// disconnects.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/auth"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/faults"
	"github.com/latticeim/im-realtime-service/internal/limits"
	"github.com/latticeim/im-realtime-service/internal/resume"
	"github.com/latticeim/im-realtime-service/internal/service"
)

// Handler terminates WebSocket connections.
type Handler struct {
	logger      *slog.Logger
	auth        auth.Authenticator
	deliverer   service.Deliverer
	sender      service.Sender
	resumeStore resume.Store
	connLimiter limits.Limiter
	cfg         config.WS
	upgrader    websocket.Upgrader
}

func NewHandler(
	logger *slog.Logger,
	authn auth.Authenticator,
	deliverer service.Deliverer,
	sender service.Sender,
	resumeStore resume.Store,
	connLimiter limits.Limiter,
	cfg config.WS,
) *Handler {
	return &Handler{
		logger:      logger.With("component", "ws"),
		auth:        authn,
		deliverer:   deliverer,
		sender:      sender,
		resumeStore: resumeStore,
		connLimiter: connLimiter,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced at the edge proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Admission is throttled by peer address before credentials are even
	// looked at, so an unauthenticated flood still lands in a bucket. The
	// refusal is plain HTTP: these clients get no upgrade.
	d, err := h.connLimiter.Consume(r.Context(), limits.ScopeRemote, remoteHost(r), 1)
	if err != nil {
		h.logger.Error("admission quota check failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "admission unavailable", http.StatusServiceUnavailable)
		return
	}
	if !d.Allowed {
		w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
		http.Error(w, "connection quota exceeded", http.StatusTooManyRequests)
		return
	}

	identity, authErr := h.auth.Authenticate(r.Context(), r.Header)

	// Upgrade before surfacing auth or quota failures so browser clients
	// receive a readable close code instead of a failed handshake.
	sock, err := h.upgrader.Upgrade(w, r, h.subprotocolHeader(r))
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer sock.Close()

	if authErr != nil {
		h.closeFor(sock, authErr)
		return
	}

	d, err = h.connLimiter.Consume(r.Context(), limits.ScopeUser, identity.AccountID.String(), 1)
	if err != nil {
		h.logger.Error("connection quota check failed", "error", err)
		h.closeFor(sock, faults.ErrOverloaded)
		return
	}
	if !d.Allowed {
		h.closeFor(sock, faults.ErrRateLimited.WithRetryAfter(d.RetryAfter))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.deliverer.Subscribe(ctx, identity)
	if err != nil {
		h.closeFor(sock, err)
		return
	}
	defer func() {
		h.deliverer.Unsubscribe(identity.AccountID, sess.GetID())
		sess.Close()
	}()

	c := newConn(sock, sess, identity, h.cfg.SendQueueSize)

	h.logger.Info("connection opened",
		"account_id", identity.AccountID,
		"device_id", identity.DeviceID,
		"conn_id", sess.GetID(),
		"remote", r.RemoteAddr,
	)

	c.send(model.ConnectionAck(c.resumeToken))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, c, cancel)
	}()

	h.readPump(ctx, c, cancel)

	cancel()
	<-writerDone

	h.logger.Info("connection closed",
		"account_id", identity.AccountID,
		"conn_id", sess.GetID(),
		"dropped", sess.Dropped(),
	)
}

// remoteHost strips the port from the peer address; RealIP middleware has
// already substituted the forwarded address where one applies.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// subprotocolHeader echoes the bearer subprotocol when the client used it to
// smuggle credentials, as required by the WebSocket handshake.
func (h *Handler) subprotocolHeader(r *http.Request) http.Header {
	for _, proto := range websocket.Subprotocols(r) {
		if proto == "bearer" {
			return http.Header{"Sec-WebSocket-Protocol": []string{"bearer"}}
		}
	}
	return nil
}

// writePump is the only goroutine touching the socket's write side. It
// multiplexes hub deliveries, reader-originated frames, heartbeats and the
// close path, and persists the final resume snapshot on exit.
func (h *Handler) writePump(ctx context.Context, c *conn, cancel context.CancelFunc) {
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval())
	defer heartbeat.Stop()

	delivered := 0
	defer h.persistSnapshot(c, true)

	for {
		select {
		case <-ctx.Done():
			// A fault raised just before cancellation still owns the close
			// code; plain shutdown goes out as going-away.
			select {
			case err := <-c.closeCh:
				c.writeClose(faults.CloseCode(err), faults.CodeOf(err))
			default:
				c.writeClose(websocket.CloseGoingAway, "server shutting down")
			}
			return

		case err := <-c.closeCh:
			c.writeClose(faults.CloseCode(err), faults.CodeOf(err))
			cancel()
			return

		case <-c.sess.Overloaded():
			c.writeClose(faults.CloseCode(faults.ErrOverloaded), faults.CodeOf(faults.ErrOverloaded))
			cancel()
			return

		case v := <-c.control:
			if err := c.writeJSON(v); err != nil {
				cancel()
				return
			}

		case <-heartbeat.C:
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				cancel()
				return
			}

		case ev, ok := <-c.sess.Events():
			if !ok {
				return
			}
			c.sess.Release(ev)
			env, err := c.envelope(ev)
			if err != nil {
				h.logger.Error("envelope marshal failed", "event_id", ev.GetID(), "error", err)
				continue
			}
			if err := c.writeJSON(deliveryFrame{Type: model.FrameMsg, DeliveryEnvelope: *env}); err != nil {
				cancel()
				return
			}
			c.remember(*env)

			delivered++
			if h.cfg.CheckpointEveryN > 0 && delivered%h.cfg.CheckpointEveryN == 0 {
				h.persistSnapshot(c, false)
			}
		}
	}
}

// readPump consumes client frames until the socket dies or a fatal fault
// closes it. Heartbeat policy: the deadline rides at twice the ping interval
// and every pong or frame extends it.
func (h *Handler) readPump(ctx context.Context, c *conn, cancel context.CancelFunc) {
	c.ws.SetReadLimit(h.cfg.MessageMaxBytes)
	readDeadline := 2 * h.cfg.HeartbeatInterval()
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	resumed := false
	cryptoFails := 0

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// No pong inside the deadline: the peer is gone.
				c.fail(faults.New(faults.KindFatal, "heartbeat_timeout", "no pong before read deadline"))
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("socket read ended", "conn_id", c.sess.GetID(), "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))

		frame, err := model.ParseFrame(raw, h.cfg.MessageMaxBytes)
		if err != nil {
			c.fail(err)
			return
		}

		switch frame.Type {
		case model.FramePing:
			c.send(&model.ServerFrame{Type: model.FramePong, ID: frame.ID.String()})

		case model.FrameClose:
			c.writeClose(websocket.CloseNormalClosure, "bye")
			cancel()
			return

		case model.FrameResume:
			if resumed {
				c.send(model.ErrorFrame("resume_failed", "resume already performed"))
				continue
			}
			resumed = true
			h.handleResume(ctx, c, frame)

		case model.FrameMsg:
			if fatal := h.handleMsg(ctx, c, frame, &cryptoFails); fatal {
				return
			}
		}
	}
}

// handleMsg pushes one message frame through the send path. The return value
// reports whether the connection must die.
func (h *Handler) handleMsg(ctx context.Context, c *conn, frame *model.Frame, cryptoFails *int) bool {
	payload, err := frame.Msg(h.cfg.MessageMaxBytes)
	if err != nil {
		c.fail(err)
		return true
	}

	res, err := h.sender.Send(ctx, c.identity, payload, frame.ID.String())
	if err != nil {
		switch faults.KindOf(err) {
		case faults.KindOverload:
			f := model.ErrorFrame(faults.CodeOf(err), "slow down")
			if retry, ok := faults.RetryAfterOf(err); ok {
				f.Message = fmt.Sprintf("retry in %dms", retry.Milliseconds())
			}
			c.send(f)
			c.send(model.Ack(frame.ID, "rejected", 0))
			return false
		case faults.KindCrypto:
			*cryptoFails++
			if h.cfg.CryptoFailThreshold > 0 && *cryptoFails >= h.cfg.CryptoFailThreshold {
				c.fail(faults.Wrap(faults.KindFatal, "crypto_failures", "too many undecryptable frames", err))
				return true
			}
			c.send(model.Ack(frame.ID, "rejected", 0))
			return false
		case faults.KindValidation:
			c.fail(err)
			return true
		case faults.KindAuthorization:
			c.send(model.ErrorFrame(faults.CodeOf(err), "delivery refused"))
			c.send(model.Ack(frame.ID, "rejected", 0))
			return false
		default:
			h.logger.Error("send failed",
				"conn_id", c.sess.GetID(), "frame_id", frame.ID, "error", err)
			c.send(model.ErrorFrame(faults.CodeOf(err), "temporary failure, retry"))
			c.send(model.Ack(frame.ID, "rejected", 0))
			return false
		}
	}

	// Idempotent replays ack like first deliveries; the seq tells the client
	// which message the ack settles.
	c.send(model.Ack(frame.ID, "accepted", res.Seq))
	return false
}

// handleResume replays the pending tail of a previous connection. An unknown
// or foreign token degrades to a fresh session rather than killing the
// connection.
func (h *Handler) handleResume(ctx context.Context, c *conn, frame *model.Frame) {
	payload, err := frame.Resume()
	if err != nil {
		c.fail(err)
		return
	}

	snap, err := h.resumeStore.Consume(ctx, payload.ResumeToken)
	if err != nil {
		h.logger.Warn("resume lookup failed", "conn_id", c.sess.GetID(), "error", err)
		c.send(model.ErrorFrame("resume_failed", "resume unavailable, starting fresh"))
		return
	}
	if snap == nil || snap.AccountID != c.identity.AccountID || snap.DeviceID != c.identity.DeviceID {
		c.send(model.ErrorFrame(faults.ErrResumeUnknown.Code, "unknown resume token, starting fresh"))
		return
	}

	replay := c.adoptResume(snap, payload.LastClientSeq)
	for _, env := range replay {
		c.send(deliveryFrame{Type: model.FrameMsg, DeliveryEnvelope: env})
	}
	c.send(model.Ack(frame.ID, "accepted", c.serverSeq.Load()))

	h.logger.Info("session resumed",
		"account_id", c.identity.AccountID,
		"conn_id", c.sess.GetID(),
		"replayed", len(replay),
		"last_client_seq", payload.LastClientSeq,
	)
}

// persistSnapshot saves the connection's resume state under its token.
// Detached from the request context so it still runs during teardown.
func (h *Handler) persistSnapshot(c *conn, drain bool) {
	snap := c.snapshot(drain)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.resumeStore.Persist(ctx, c.resumeToken, snap); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("resume snapshot persist failed",
			"conn_id", c.sess.GetID(), "error", err)
	}
}

// closeFor writes the close frame matching err on a socket that never made
// it past admission.
func (h *Handler) closeFor(sock *websocket.Conn, err error) {
	reason := faults.CodeOf(err)
	if retry, ok := faults.RetryAfterOf(err); ok {
		reason = fmt.Sprintf("%s retry_after_ms=%d", reason, retry.Milliseconds())
	}
	msg := websocket.FormatCloseMessage(faults.CloseCode(err), reason)
	_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
