package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// slidingWindowScript admits a request when fewer than limit requests were
// recorded for the key within the window.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if #oldest >= 2 then
        return {0, tonumber(oldest[2]) + window}
    end
    return {0, now + window}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('PEXPIRE', key, window + 10000)
return {1, now + window}
`)

// SendLimiter throttles outbound messages per recipient address.
type SendLimiter interface {
	Allow(ctx context.Context, address string) (allowed bool, resetAt time.Time)
}

// RateLimiter is a Redis sliding-window limiter. It allows requests when
// Redis is unreachable; a missed throttle is preferable to a dropped reminder.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// NewSendLimiter limits sends to perMinute messages per recipient.
func NewSendLimiter(client *redis.Client, perMinute int) *RateLimiter {
	return NewRateLimiter(client, "wa:ratelimit:send", perMinute, time.Minute)
}

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Time) {
	if rl.limit <= 0 {
		return true, time.Time{}
	}

	now := time.Now()
	fullKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	result, err := slidingWindowScript.Run(
		ctx,
		rl.client,
		[]string{fullKey},
		now.UnixMilli(),
		rl.window.Milliseconds(),
		rl.limit,
	).Int64Slice()
	if err != nil {
		log.Warn().Err(err).Str("key", fullKey).Msg("rate limit check failed, allowing request")
		return true, now.Add(rl.window)
	}
	if len(result) != 2 {
		log.Warn().Str("key", fullKey).Msg("unexpected rate limit result, allowing request")
		return true, now.Add(rl.window)
	}

	return result[0] == 1, time.UnixMilli(result[1])
}
