// Package httpapi is the REST surface: message ingest for clients without a
// socket, health probing and hub introspection.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/internal/auth"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
	"github.com/latticeim/im-realtime-service/internal/faults"
	"github.com/latticeim/im-realtime-service/internal/service"
)

// idempotencyHeader carries the client's dedupe key on sends.
const idempotencyHeader = "Idempotency-Key"

// replayHeader marks a response served from a previous identical request.
const replayHeader = "Idempotent-Replay"

// Pinger is a dependency the health endpoint probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the REST routes.
type Handler struct {
	logger *slog.Logger
	auth   auth.Authenticator
	sender service.Sender
	hub    registry.Hubber
	probes map[string]Pinger
}

func NewHandler(logger *slog.Logger, authn auth.Authenticator, sender service.Sender, hub registry.Hubber, probes map[string]Pinger) *Handler {
	return &Handler{
		logger: logger.With("component", "httpapi"),
		auth:   authn,
		sender: sender,
		hub:    hub,
		probes: probes,
	}
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.sendMessage)
		r.Get("/hub/stats", h.hubStats)
	})
}

type sendRequest struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Content        string    `json:"content"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
}

type sendResponse struct {
	MessageID uuid.UUID `json:"messageId"`
	Seq       int64     `json:"seq"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r.Context(), r.Header)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, faults.Wrap(faults.KindValidation, "protocol_error", "invalid request body", err))
		return
	}

	res, err := h.sender.Send(r.Context(), identity, &model.MsgPayload{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Fingerprint:    req.Fingerprint,
	}, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set(replayHeader, "true")
		status = http.StatusOK
	}
	h.writeJSON(w, status, sendResponse{MessageID: res.MessageID, Seq: res.Seq})
}

func (h *Handler) hubStats(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r.Context(), r.Header); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.hub.Stats())
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.probes))
	healthy := true
	for name, p := range h.probes {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := faults.HTTPStatus(err)
	if retry, ok := faults.RetryAfterOf(err); ok {
		secs := int(retry.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	h.writeJSON(w, status, map[string]string{
		"code":    faults.CodeOf(err),
		"message": err.Error(),
	})
}
