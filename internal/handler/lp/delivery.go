// Package lp serves the long-poll fallback transport. Clients behind proxies
// that break WebSockets issue a blocking GET and receive a batch of pending
// delivery events, or 204 when the wait window elapses empty.
package lp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/latticeim/im-realtime-service/internal/auth"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/faults"
	"github.com/latticeim/im-realtime-service/internal/service"
)

const (
	// defaultWait holds the request when the client sends no wait hint.
	defaultWait = 25 * time.Second
	// maxWait caps client-requested hold times below common LB idle cuts.
	maxWait = 60 * time.Second
	// batchMax bounds how many queued events one response carries.
	batchMax = 32
)

type Handler struct {
	logger    *slog.Logger
	auth      auth.Authenticator
	deliverer service.Deliverer
}

func NewHandler(logger *slog.Logger, a auth.Authenticator, deliverer service.Deliverer) *Handler {
	return &Handler{
		logger:    logger.With("component", "lp"),
		auth:      a,
		deliverer: deliverer,
	}
}

type pollResponse struct {
	Events []json.RawMessage `json:"events"`
}

// Poll subscribes the caller for the duration of one request and blocks until
// an event arrives or the wait window closes. Events buffered behind the
// first one are drained into the same response to cut round trips.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r.Context(), r.Header)
	if err != nil {
		http.Error(w, faults.CodeOf(err), faults.HTTPStatus(err))
		return
	}

	sess, err := h.deliverer.Subscribe(r.Context(), identity)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer h.deliverer.Unsubscribe(identity.AccountID, sess.GetID())
	defer sess.Close()

	ctx, cancel := context.WithTimeout(r.Context(), waitFor(r))
	defer cancel()

	first, ok := sess.Next(ctx)
	if !ok {
		// Window elapsed or the client went away.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := pollResponse{}
	if raw, err := first.WirePayload(); err == nil {
		resp.Events = append(resp.Events, raw)
	}

	// Batch whatever queued up behind the first event.
	for len(resp.Events) < batchMax {
		ev, more := nextBuffered(sess)
		if !more {
			break
		}
		raw, err := ev.WirePayload()
		if err != nil {
			h.logger.Warn("dropping event with unmarshalable payload", "event_id", ev.GetID())
			continue
		}
		resp.Events = append(resp.Events, raw)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("poll response write failed", "error", err)
	}
}

func nextBuffered(sess pollSession) (model.Eventer, bool) {
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			return nil, false
		}
		sess.Release(ev)
		return ev, true
	default:
		return nil, false
	}
}

type pollSession interface {
	Events() <-chan model.Eventer
	Release(model.Eventer)
}

func waitFor(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return defaultWait
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return defaultWait
	}
	d := time.Duration(secs) * time.Second
	if d > maxWait {
		return maxWait
	}
	return d
}
