// Package faults defines the error taxonomy shared by every component and the
// single translation point from typed errors to wire-visible codes.
//
// Components return *Fault values (or wrap them); transports ask the package
// for the matching WebSocket close code or HTTP status instead of inspecting
// error strings.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure for propagation policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindOverload
	KindConflict
	KindCrypto
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindOverload:
		return "overload"
	case KindConflict:
		return "conflict"
	case KindCrypto:
		return "crypto"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// WebSocket close codes used on the wire. The application-level 4401 mirrors
// HTTP 401 for sockets that fail authentication after upgrade.
const (
	CloseProtocolError    = 1002
	CloseMessageTooLarge  = 1009
	CloseInternalError    = 1011
	CloseOverloaded       = 1013
	CloseUnauthorized     = 4401
)

// Fault is a typed error with a stable wire code and optional retry hint.
type Fault struct {
	Kind       Kind
	Code       string // stable, user-visible code string
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// New constructs a Fault without a cause.
func New(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a new Fault.
func Wrap(kind Kind, code, message string, cause error) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithRetryAfter returns a copy carrying a retry hint.
func (f *Fault) WithRetryAfter(d time.Duration) *Fault {
	c := *f
	c.RetryAfter = d
	return &c
}

// Common faults reused across components.
var (
	ErrProtocol       = New(KindValidation, "protocol_error", "malformed frame")
	ErrTooLarge       = New(KindValidation, "message_too_large", "frame exceeds configured cap")
	ErrUnauthorized   = New(KindAuthorization, "unauthorized", "missing or invalid credentials")
	ErrTokenExpired   = New(KindAuthorization, "token_expired", "token outside validity window")
	ErrReplayedToken  = New(KindAuthorization, "replayed_token", "token jti already seen")
	ErrOverloaded     = New(KindOverload, "overloaded", "server is shedding load")
	ErrRateLimited    = New(KindOverload, "rate_limited", "quota exhausted for window")
	ErrResumeUnknown  = New(KindValidation, "resume_failed", "resume token unknown or expired")
	ErrIdempotent     = New(KindConflict, "idempotent_replay", "request already processed")
	ErrSeqRegression  = New(KindFatal, "seq_regression", "sequence moved backwards")
)

// KindOf reports the taxonomy Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// CodeOf reports the stable code string of err, or "internal_error".
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return "internal_error"
}

// RetryAfterOf reports the retry hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var f *Fault
	if errors.As(err, &f) && f.RetryAfter > 0 {
		return f.RetryAfter, true
	}
	return 0, false
}

// CloseCode maps err to the WebSocket close code the Hub must emit.
func CloseCode(err error) int {
	var f *Fault
	if !errors.As(err, &f) {
		return CloseInternalError
	}
	switch f.Kind {
	case KindValidation:
		if f.Code == "message_too_large" {
			return CloseMessageTooLarge
		}
		return CloseProtocolError
	case KindAuthorization:
		return CloseUnauthorized
	case KindOverload:
		return CloseOverloaded
	default:
		return CloseInternalError
	}
}

// HTTPStatus maps err to the HTTP status for the REST surface.
func HTTPStatus(err error) int {
	var f *Fault
	if !errors.As(err, &f) {
		return http.StatusInternalServerError
	}
	switch f.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindOverload:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusOK // idempotent replay returns the original resource
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the caller should retry with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
