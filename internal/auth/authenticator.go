// Package auth verifies bearer tokens and produces the identity context
// attached to every connection.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/faults"
)

// Authenticator resolves request headers into a verified Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, headers http.Header) (model.Identity, error)
}

// claims extends the registered set with the device/session/scope claims the
// platform issues.
type claims struct {
	DeviceID  string `json:"did"`
	SessionID string `json:"sid"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies signatures and claims against a pinned public key
// and enforces JTI replay protection through a TTL guard.
type JWTAuthenticator struct {
	key      any
	methods  []string
	issuer   string
	audience string
	leeway   time.Duration
	jtiTTL   time.Duration
	guard    ReplayGuard
	logger   *slog.Logger
}

// NewJWTAuthenticator parses the configured PEM key and wires the replay guard.
func NewJWTAuthenticator(cfg *config.Config, guard ReplayGuard, logger *slog.Logger) (*JWTAuthenticator, error) {
	if cfg.Auth.JWTPublicKeyPem == "" {
		return nil, fmt.Errorf("auth: jwtPublicKeyPem is required")
	}
	key, err := parsePublicKey([]byte(cfg.Auth.JWTPublicKeyPem), cfg.Auth.JWTAlgorithms)
	if err != nil {
		return nil, err
	}
	return &JWTAuthenticator{
		key:      key,
		methods:  cfg.Auth.JWTAlgorithms,
		issuer:   cfg.Auth.Issuer,
		audience: cfg.Auth.Audience,
		leeway:   cfg.Auth.ClockSkew(),
		jtiTTL:   cfg.Auth.JTITTL(),
		guard:    guard,
		logger:   logger.With("component", "auth"),
	}, nil
}

func parsePublicKey(pem []byte, algorithms []string) (any, error) {
	for _, alg := range algorithms {
		switch {
		case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
			if key, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
				return key, nil
			}
		case strings.HasPrefix(alg, "ES"):
			if key, err := jwt.ParseECPublicKeyFromPEM(pem); err == nil {
				return key, nil
			}
		case alg == "EdDSA":
			if key, err := jwt.ParseEdPublicKeyFromPEM(pem); err == nil {
				return key, nil
			}
		}
	}
	return nil, fmt.Errorf("auth: public key does not match any configured algorithm %v", algorithms)
}

// Authenticate verifies the bearer token carried in headers and returns the
// resolved identity. A previously seen jti yields a replayed-token fault.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, headers http.Header) (model.Identity, error) {
	raw, err := bearerToken(headers)
	if err != nil {
		return model.Identity{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.methods),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return a.key, nil
	}, opts...)
	if err != nil || !token.Valid {
		a.logger.Debug("token rejected", "err", err)
		return model.Identity{}, faults.Wrap(faults.KindAuthorization, "unauthorized", "token verification failed", err)
	}

	accountID, err := uuid.Parse(c.Subject)
	if err != nil {
		return model.Identity{}, faults.Wrap(faults.KindAuthorization, "unauthorized", "subject is not a valid account id", err)
	}
	if c.DeviceID == "" || c.SessionID == "" {
		return model.Identity{}, faults.New(faults.KindAuthorization, "unauthorized", "token missing device or session claim")
	}

	if c.ID != "" {
		seen, err := a.guard.Seen(ctx, c.ID, a.jtiTTL)
		if err != nil {
			return model.Identity{}, faults.Wrap(faults.KindTransient, "auth_unavailable", "replay guard unavailable", err)
		}
		if seen {
			return model.Identity{}, faults.ErrReplayedToken
		}
	}

	id := model.Identity{
		AccountID: accountID,
		DeviceID:  c.DeviceID,
		SessionID: c.SessionID,
		Scope:     strings.Fields(c.Scope),
	}
	if c.IssuedAt != nil {
		id.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

func bearerToken(headers http.Header) (string, error) {
	h := headers.Get("Authorization")
	if h == "" {
		// WebSocket clients in browsers cannot set Authorization; accept the
		// token through the subprotocol-safe query header as a fallback.
		h = headers.Get("Sec-WebSocket-Protocol")
		if strings.HasPrefix(h, "bearer,") {
			return strings.TrimSpace(strings.TrimPrefix(h, "bearer,")), nil
		}
		return "", faults.ErrUnauthorized
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", faults.ErrUnauthorized
	}
	return strings.TrimSpace(parts[1]), nil
}
