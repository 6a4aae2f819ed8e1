/**
 * @description
 * Redis-backed fixed-window counter limiting checkout-session creation per payer. It
 * damps double-clicks and runaway clients in front of the provider call; the derived
 * idempotency key remains the correctness guarantee for duplicate sessions.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client and server-side Lua scripting.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The INCR and PEXPIRE must be one atomic unit: two concurrent first requests must
// not both see count=1 with no expiry set.
var checkoutWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// minLimiterWindowMs floors the window so a misconfigured sub-second window cannot
// turn the limiter into a per-request lock.
const minLimiterWindowMs = int64(1000)

func limiterWindowMillis(window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms < minLimiterWindowMs {
		return minLimiterWindowMs
	}
	return ms
}

// parseLimiterReply decodes the script's {count, ttl} reply. go-redis returns Lua
// integer arrays as []interface{} of int64.
func parseLimiterReply(raw interface{}) (count int64, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected limiter reply shape: %T", raw)
	}
	count, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMs, ok = values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}

// retryAfterSeconds converts the window's remaining TTL into the whole-second value
// surfaced in the Retry-After header, rounding up and never below one second.
func retryAfterSeconds(ttlMs, windowMs int64) int {
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	seconds := (ttlMs + 999) / 1000
	if seconds < 1 {
		seconds = 1
	}
	return int(seconds)
}

// RedisCheckoutRateLimiter implements the RateLimiter interface over a shared Redis,
// so the limit holds across service replicas.
type RedisCheckoutRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCheckoutRateLimiter(client redis.UniversalClient, prefix string) *RedisCheckoutRateLimiter {
	cleaned := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if cleaned == "" {
		cleaned = "taskorilla:rate_limit"
	}
	return &RedisCheckoutRateLimiter{client: client, prefix: cleaned}
}

// ConsumeRateLimit counts one attempt for the subject inside the current window. A nil
// or unconfigured limiter consumes nothing and allows the request.
func (r *RedisCheckoutRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := limiterWindowMillis(window)
	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)

	raw, err := checkoutWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	count, ttlMs, err := parseLimiterReply(raw)
	if err != nil {
		return int(count), 0, err
	}
	return int(count), retryAfterSeconds(ttlMs, windowMs), nil
}
