package hangup

import (
	"context"
	"time"

	"leasing-telephony/internal/calls"
	"leasing-telephony/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DispositionGuard decides which of several concurrent hangup deliveries
// disposes a call leg. Claim reports true for exactly one caller per leg.
type DispositionGuard interface {
	Claim(ctx context.Context, rec calls.CallRecord) (bool, error)
}

type dispositionClaimer interface {
	ClaimDisposition(ctx context.Context, id string) (bool, error)
}

// StoreGuard claims through a conditional update on the call record itself.
type StoreGuard struct {
	store dispositionClaimer
}

func NewStoreGuard(store dispositionClaimer) *StoreGuard { return &StoreGuard{store: store} }

func (g *StoreGuard) Claim(ctx context.Context, rec calls.CallRecord) (bool, error) {
	return g.store.ClaimDisposition(ctx, rec.ID)
}

const dispositionKeyPrefix = "telephony:disposition:"

// RedisGuard claims with SET NX. The key expires after ttl, long after any
// duplicate delivery could still arrive.
type RedisGuard struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisGuard(rdb redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, rec calls.CallRecord) (bool, error) {
	return utils.ClaimOnce(ctx, g.rdb, dispositionKeyPrefix+rec.ID, uuid.NewString(), g.ttl)
}
