package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript atomically removes expired entries from a sorted
// set, counts what remains, and (if under cap) adds the current
// instant. Adapted from the teacher's kernel.redisTokenBucketScript
// (core/pkg/kernel/limiter_redis.go), replacing the continuous-refill
// token bucket with the sliding-window counter spec.md §4.5 calls for.
const redisWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", windowStart)
local count = redis.call("ZCARD", key)

if count >= cap then
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	if #oldest == 0 then
		return {0, now}
	end
	return {0, tonumber(oldest[2])}
end

redis.call("ZADD", key, now, now .. "-" .. math.random())
redis.call("PEXPIRE", key, ttl)
return {1, 0}
`

// RedisWindowStore is a distributed rolling-window rate limiter backed
// by Redis sorted sets, for multi-instance Coordinator deployments. It
// runs the same three windows and caps as Tracker.Check but shares
// state across processes via redis.Client. Unlike Tracker.Check, each
// window's script records the instant on its own, so a request denied
// by one window is still counted in every window that admitted it.
type RedisWindowStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisWindowStore wraps an existing Redis client.
func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client, script: redis.NewScript(redisWindowScript)}
}

// Check runs the three rolling windows against Redis, scaled by the
// caller-supplied reputation multiplier. It returns the same AllowResult
// shape as Tracker.Check so callers can swap backends transparently.
func (r *RedisWindowStore) Check(ctx context.Context, requesterID string, scale float64) (AllowResult, error) {
	now := time.Now().UTC()

	var earliestRetry time.Time
	for _, w := range rateWindows {
		key := fmt.Sprintf("yachaq:ratelimit:%s:%s", requesterID, w.size)
		scaledCap := int(float64(w.cap) * scale)
		if scaledCap < 1 {
			scaledCap = 1
		}

		windowStart := now.Add(-w.size).UnixMilli()
		res, err := r.script.Run(ctx, r.client, []string{key},
			now.UnixMilli(), windowStart, scaledCap, w.size.Milliseconds()).Result()
		if err != nil {
			return AllowResult{}, fmt.Errorf("reputation: redis window check: %w", err)
		}

		values, ok := res.([]interface{})
		if !ok || len(values) != 2 {
			return AllowResult{}, fmt.Errorf("reputation: unexpected redis script result: %v", res)
		}
		allowed, _ := values[0].(int64)
		if allowed == 0 {
			oldestMillis, _ := values[1].(int64)
			retry := time.UnixMilli(oldestMillis).Add(w.size)
			if earliestRetry.IsZero() || retry.Before(earliestRetry) {
				earliestRetry = retry
			}
		}
	}

	if !earliestRetry.IsZero() {
		return AllowResult{Allowed: false, RetryAfter: earliestRetry}, nil
	}
	return AllowResult{Allowed: true}, nil
}
