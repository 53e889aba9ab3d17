package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfabric/execgate/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// throttlePrefix namespaces the admission counters. The orchestrator
// throttles "orders:<user>" against the configured orders-per-minute cap,
// and the risk engine reuses the same counters for its trades-per-day check.
const throttlePrefix = "throttle:"

// waitRetry is the pacing for Wait's retry loop. The window only slides as
// old submissions age out, so polling faster than this buys nothing.
const waitRetry = 50 * time.Millisecond

// RateLimiter is a sliding-window throttle over a ZSET of submission
// timestamps. The window check and the insert happen in one Lua call, so
// concurrent workers admitting orders for the same user cannot both squeeze
// through the last remaining slot.
type RateLimiter struct {
	client *Client
	window *redis.Script
}

// NewRateLimiter creates a RateLimiter over the shared client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		client: c,
		window: redis.NewScript(slidingWindowLua),
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// Allow admits and counts one submission for key if fewer than limit landed
// inside the trailing window. A denied submission is not counted; rejected
// orders must not eat into the caller's budget.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	verdict, err := rl.window.Run(
		ctx,
		rl.client.raw(),
		[]string{throttlePrefix + key},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: throttle %s: %w", key, err)
	}
	// The script returns {admitted, count in window}.
	if len(verdict) < 2 {
		return false, fmt.Errorf("redis: throttle %s: malformed script reply (%d values)", key, len(verdict))
	}
	return verdict[0] == 1, nil
}

// Wait blocks until one submission for key is admitted at 1/s, or the
// context ends. It covers retry pacing for transient broker pushback;
// callers with a configured budget use Allow directly.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		admitted, err := rl.Allow(ctx, key, 1, time.Second)
		if err != nil {
			return err
		}
		if admitted {
			return nil
		}

		timer := time.NewTimer(waitRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: throttle wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
