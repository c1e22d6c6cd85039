// Package dispatch guards task dispatch against duplicate concurrent
// attempts: two schedulers racing to pick up the same ready task must not
// both invoke the same agent.
package dispatch

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// defaultTTL is used when NewGuard is called with a zero TTL.
const defaultTTL = 2 * time.Minute

// Guard deduplicates dispatch attempts for a given key within a lease
// window, backed by Redis SETNX semantics.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGuard creates a Guard against client. ttl bounds how long a claimed
// key blocks a second dispatch attempt; it should comfortably exceed the
// slowest expected agent invocation.
func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Guard{client: client, ttl: ttl}
}

// TryClaim attempts to claim key for this dispatch attempt, returning true
// if the caller won the race. A nil Guard always claims, so callers can
// wire an idempotency guard optionally.
func (g *Guard) TryClaim(ctx context.Context, key string) (bool, error) {
	if g == nil || g.client == nil {
		return true, nil
	}
	return g.client.SetNX(ctx, "dispatch:"+key, 1, g.ttl).Result()
}

// Release frees key early, e.g. after a dispatch attempt fails fast and
// should be retryable immediately rather than waiting out the full TTL.
func (g *Guard) Release(ctx context.Context, key string) error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Del(ctx, "dispatch:"+key).Err()
}
