package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter implements a fixed-window counter over Redis, shared by every
// caller that needs to bound attempts per key (device auth, device payload
// fetch). Each caller supplies its own key prefix and window so one
// limiter instance can back several independent policies.
type RateLimiter struct {
	redis *redis.Client
}

// NewRateLimiter creates a rate limiter backed by rdb.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{redis: rdb}
}

// RateLimitResult holds the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Count     int
	Remaining int
	RetryAt   time.Time
}

// Check increments the counter for key and reports whether it is still under
// limit within window. The first increment in a window sets its expiry. On
// any Redis error the check fails open (Allowed=true) so an outage never
// blocks logins or agent traffic — the error is still returned for logging.
func (rl *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return &RateLimitResult{Allowed: true}, fmt.Errorf("checking rate limit %s: %w", key, err)
	}

	count := int(incr.Val())
	if count == 1 {
		if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
			return &RateLimitResult{Allowed: true, Count: count}, fmt.Errorf("setting rate limit expiry %s: %w", key, err)
		}
	}

	if count > limit {
		ttl, err := rl.redis.TTL(ctx, key).Result()
		if err != nil {
			ttl = window
		}
		return &RateLimitResult{
			Allowed:   false,
			Count:     count,
			Remaining: 0,
			RetryAt:   time.Now().Add(ttl),
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Count:     count,
		Remaining: limit - count,
	}, nil
}

// Reset clears the counter for key. The login path does not call it:
// failed-login counting lives in the users table.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, key).Err()
}

// LoginKey builds the rate-limit key for failed password login attempts by IP.
func LoginKey(ip string) string {
	return fmt.Sprintf("ratelimit:login:%s", ip)
}

// DeviceAuthKey builds the rate-limit key for device authentication attempts.
func DeviceAuthKey(deviceID string) string {
	return fmt.Sprintf("ratelimit:agent_auth:%s", deviceID)
}

// DevicePayloadKey builds the rate-limit key for device payload fetch attempts.
func DevicePayloadKey(deviceID string) string {
	return fmt.Sprintf("ratelimit:agent_payload:%s", deviceID)
}
