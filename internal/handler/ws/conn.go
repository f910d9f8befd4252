package ws

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
)

// writeWait bounds every socket write.
const writeWait = 10 * time.Second

// deliveryFrame is the wire shape of a pushed message.
type deliveryFrame struct {
	Type string `json:"type"`
	model.DeliveryEnvelope
}

// conn binds one upgraded socket to its hub session and owns the write-side
// state: the per-connection sequence, the recent-delivery tail kept for
// resume, and the control channel the reader uses to reach the single writer.
type conn struct {
	ws       *websocket.Conn
	sess     *registry.Session
	identity model.Identity

	resumeToken string
	serverSeq   atomic.Int64

	tail    []model.DeliveryEnvelope
	tailCap int

	// control carries reader-originated frames (acks, pongs, replays) to the
	// writer goroutine, which is the only side allowed to touch the socket.
	control chan any
	// closeCh carries the fault that should terminate the connection; the
	// writer translates it to a close code.
	closeCh chan error
}

func newConn(ws *websocket.Conn, sess *registry.Session, identity model.Identity, tailCap int) *conn {
	return &conn{
		ws:          ws,
		sess:        sess,
		identity:    identity,
		resumeToken: model.NewResumeToken(),
		tailCap:     tailCap,
		control:     make(chan any, 64),
		closeCh:     make(chan error, 1),
	}
}

// envelope stamps ev with the next per-connection sequence.
func (c *conn) envelope(ev model.Eventer) (*model.DeliveryEnvelope, error) {
	wire, err := ev.WirePayload()
	if err != nil {
		return nil, err
	}
	return &model.DeliveryEnvelope{
		ServerSeq:      c.serverSeq.Add(1),
		ConversationID: ev.GetConversationID(),
		MessageID:      ev.GetMessageID(),
		Payload:        wire,
	}, nil
}

// remember appends env to the bounded tail, evicting the oldest entry.
func (c *conn) remember(env model.DeliveryEnvelope) {
	if c.tailCap <= 0 {
		return
	}
	if len(c.tail) == c.tailCap {
		copy(c.tail, c.tail[1:])
		c.tail = c.tail[:len(c.tail)-1]
	}
	c.tail = append(c.tail, env)
}

// snapshot captures the resume state: the delivery watermark plus everything
// the client may not have seen. Queued-but-unsent events get sequences here
// so the replay is fully ordered. Only the writer may call it.
func (c *conn) snapshot(drain bool) model.ResumeSnapshot {
	pending := make([]model.DeliveryEnvelope, len(c.tail))
	copy(pending, c.tail)

	if drain {
		for _, ev := range c.sess.Drain() {
			env, err := c.envelope(ev)
			if err != nil {
				continue
			}
			pending = append(pending, *env)
		}
	}

	return model.ResumeSnapshot{
		AccountID:     c.identity.AccountID,
		DeviceID:      c.identity.DeviceID,
		LastServerSeq: c.serverSeq.Load(),
		PendingTail:   pending,
		SavedAt:       time.Now().UTC(),
	}
}

// adoptResume continues the sequence space of a previous connection and
// returns the envelopes the client still needs, oldest first.
func (c *conn) adoptResume(snap *model.ResumeSnapshot, lastClientSeq int64) []model.DeliveryEnvelope {
	if snap.LastServerSeq > c.serverSeq.Load() {
		c.serverSeq.Store(snap.LastServerSeq)
	}
	var replay []model.DeliveryEnvelope
	for _, env := range snap.PendingTail {
		if env.ServerSeq > lastClientSeq {
			replay = append(replay, env)
			c.remember(env)
		}
	}
	return replay
}

// send routes a frame to the writer without blocking the reader; a full
// control queue drops the frame, which only ever affects acks and pongs.
func (c *conn) send(v any) {
	select {
	case c.control <- v:
	default:
	}
}

// fail hands the terminating fault to the writer. First caller wins.
func (c *conn) fail(err error) {
	select {
	case c.closeCh <- err:
	default:
	}
}

func (c *conn) writeJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
