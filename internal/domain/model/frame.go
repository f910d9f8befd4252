package model

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/internal/faults"
)

// ProtocolVersion is the only accepted value for the frame envelope "v" field.
const ProtocolVersion = 1

// Frame kinds accepted from clients.
const (
	FrameMsg    = "msg"
	FrameResume = "resume"
	FramePing   = "ping"
	FrameClose  = "close"
)

// Server-initiated frame kinds.
const (
	FrameConnectionAck = "connection_ack"
	FrameAck           = "ack"
	FramePong          = "pong"
	FrameError         = "error"
)

// Frame is the JSON envelope every inbound client frame must carry.
type Frame struct {
	V       int             `json:"v"`
	ID      uuid.UUID       `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Size    int64           `json:"size"`
}

// MsgPayload is the payload of a "msg" frame. Content is an opaque sealed
// envelope transported as base64; the server never opens it.
type MsgPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Content        string    `json:"content"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	Seq            int64     `json:"seq"`
}

// ResumePayload is the payload of a "resume" frame.
type ResumePayload struct {
	ResumeToken   string `json:"resumeToken"`
	LastClientSeq int64  `json:"lastClientSeq"`
}

// ParseFrame decodes and validates an inbound frame against the protocol
// envelope rules and the configured size cap.
func ParseFrame(raw []byte, maxBytes int64) (*Frame, error) {
	if int64(len(raw)) > maxBytes {
		return nil, faults.ErrTooLarge
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "protocol_error", "invalid json frame", err)
	}
	if f.V != ProtocolVersion {
		return nil, faults.New(faults.KindValidation, "protocol_error", "unsupported protocol version")
	}
	if f.ID == uuid.Nil {
		return nil, faults.New(faults.KindValidation, "protocol_error", "missing frame id")
	}
	switch f.Type {
	case FrameMsg, FrameResume, FramePing, FrameClose:
	default:
		return nil, faults.New(faults.KindValidation, "protocol_error", "unknown frame type")
	}
	return &f, nil
}

// Msg decodes the payload of a "msg" frame, validating the opaque content.
func (f *Frame) Msg(maxBytes int64) (*MsgPayload, error) {
	if f.Type != FrameMsg {
		return nil, faults.New(faults.KindValidation, "protocol_error", "not a msg frame")
	}
	var p MsgPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "protocol_error", "invalid msg payload", err)
	}
	if p.ConversationID == uuid.Nil {
		return nil, faults.New(faults.KindValidation, "protocol_error", "missing conversationId")
	}
	decoded, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, "protocol_error", "content is not valid base64", err)
	}
	if int64(len(decoded)) > maxBytes {
		return nil, faults.ErrTooLarge
	}
	return &p, nil
}

// Resume decodes the payload of a "resume" frame.
func (f *Frame) Resume() (*ResumePayload, error) {
	if f.Type != FrameResume {
		return nil, faults.New(faults.KindValidation, "protocol_error", "not a resume frame")
	}
	var p ResumePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "protocol_error", "invalid resume payload", err)
	}
	if p.ResumeToken == "" {
		return nil, faults.New(faults.KindValidation, "protocol_error", "missing resumeToken")
	}
	return &p, nil
}

// ServerFrame is the envelope for frames the server writes to the socket.
type ServerFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ConnectionAck builds the post-registration handshake frame.
func ConnectionAck(resumeToken string) *ServerFrame {
	return &ServerFrame{
		Type:    FrameConnectionAck,
		Payload: map[string]string{"resumeToken": resumeToken},
	}
}

// Ack builds the reply for an accepted or rejected client frame.
func Ack(id uuid.UUID, status string, seq int64) *ServerFrame {
	return &ServerFrame{Type: FrameAck, ID: id.String(), Status: status, Seq: seq}
}

// ErrorFrame builds a non-fatal error notification for the client.
func ErrorFrame(code, message string) *ServerFrame {
	return &ServerFrame{Type: FrameError, Code: code, Message: message}
}
