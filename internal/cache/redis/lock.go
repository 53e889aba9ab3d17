package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quantfabric/execgate/internal/domain"
)

// lockPrefix namespaces the keys that serialize order flow. The
// orchestrator locks "exec:<symbol>" around dispatch so two workers never
// run chunked executions for the same symbol at once.
const lockPrefix = "locks:"

// fencedUnlock releases a lock only when the stored token still belongs to
// the caller. Without the token check a worker whose TTL expired mid-execution
// could delete the lock a later worker now holds.
const fencedUnlock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager hands out TTL-bounded, token-fenced locks via SETNX. The TTL is
// the upper bound on one order's execution (chunk pacing included); a crashed
// worker's lock simply expires instead of wedging its symbol.
type LockManager struct {
	client *Client
	unlock *redis.Script
}

// NewLockManager creates a LockManager over the shared client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		client: c,
		unlock: redis.NewScript(fencedUnlock),
	}
}

var _ domain.LockManager = (*LockManager)(nil)

// Acquire takes the lock for key or returns domain.ErrLockHeld if another
// worker owns it. The returned release func is idempotent and must be called
// when execution for the symbol finishes.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	full := lockPrefix + key

	ok, err := lm.client.raw().SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() { lm.release(full, token) })
	}
	return release, nil
}

// release runs detached from the caller's context: an order that was
// cancelled mid-execution still has to give its symbol back.
func (lm *LockManager) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = lm.unlock.Run(ctx, lm.client.raw(), []string{key}, token).Err()
}
