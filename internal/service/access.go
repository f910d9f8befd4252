package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// membershipTTL bounds how long a cached membership verdict is trusted.
// A participant removed from a conversation keeps receiving for at most
// this long.
const membershipTTL = 30 * time.Second

// membershipCacheSize caps cached (account, conversation) pairs.
const membershipCacheSize = 65536

// membershipChecker is the storage lookup behind the access policy.
type membershipChecker interface {
	IsMember(ctx context.Context, account, conversation uuid.UUID) (bool, error)
}

type memberKey struct {
	account      uuid.UUID
	conversation uuid.UUID
}

// NewAccessPolicy builds the hub's membership predicate: a short-TTL LRU in
// front of the participants table. Lookups fail closed.
func NewAccessPolicy(checker membershipChecker, logger *slog.Logger) model.AccessPolicy {
	cache := lru.NewLRU[memberKey, bool](membershipCacheSize, nil, membershipTTL)
	log := logger.With("component", "access")

	return func(identity model.Identity, conversationID uuid.UUID) bool {
		key := memberKey{account: identity.AccountID, conversation: conversationID}
		if ok, hit := cache.Get(key); hit {
			return ok
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		member, err := checker.IsMember(ctx, identity.AccountID, conversationID)
		if err != nil {
			log.Warn("membership lookup failed, denying delivery",
				"account_id", identity.AccountID, "conversation_id", conversationID, "error", err)
			return false
		}
		cache.Add(key, member)
		return member
	}
}
