package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/opscentral/backend/internal/errs"
)

// IdempotencyGuard rejects resubmitted financial mutations. Callers supply a
// resubmission key with the request; the first reservation wins and replays
// fail with a state conflict before anything is persisted. Keys expire after
// the configured TTL.
type IdempotencyGuard struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{redis: rdb, ttl: ttl}
}

// Reserve claims the key within the given scope. An empty key or a nil redis
// client disables the guard for that call.
func (g *IdempotencyGuard) Reserve(ctx context.Context, scope, key string) error {
	if g == nil || g.redis == nil || key == "" {
		return nil
	}
	ok, err := g.redis.SetNX(ctx, g.redisKey(scope, key), 1, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve resubmission key: %w", err)
	}
	if !ok {
		return errs.StateConflict("resubmission key %q already used", key)
	}
	return nil
}

// Release frees a reserved key after the guarded mutation failed, so the
// caller may legitimately retry with the same key.
func (g *IdempotencyGuard) Release(ctx context.Context, scope, key string) {
	if g == nil || g.redis == nil || key == "" {
		return
	}
	g.redis.Del(ctx, g.redisKey(scope, key))
}

func (g *IdempotencyGuard) redisKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}
