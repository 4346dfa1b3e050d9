package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"account-security/internal/client"
)

const rateLimitPrefix = "rate_limit:"

// slidingWindowScript admits a request when fewer than limit requests were
// seen in the trailing window. Members are unique per call so concurrent
// requests in the same millisecond are all counted. A refusal returns the
// milliseconds until the oldest counted request leaves the window.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local current = redis.call('ZCARD', key)
if current < limit then
    redis.call('ZADD', key, now, ARGV[5])
    redis.call('PEXPIRE', key, window)
    return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window
if oldest[2] then
    wait = tonumber(oldest[2]) + window - now
end
return {0, wait}
`

type RateLimiter struct {
	client *client.RedisClient
	limit  int
	window time.Duration
	logger *zap.Logger
	node   string
	seq    atomic.Uint64
}

func NewRateLimiter(client *client.RedisClient, limit int, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		logger: logger.Named("rate_limiter"),
		node:   strconv.FormatInt(time.Now().UnixNano(), 36),
	}
}

// Allow records one request for key and reports whether it is within the
// limit. When refused, the int is the whole seconds, at least one, until
// the oldest counted request leaves the window.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	now := time.Now().UnixMilli()
	windowStart := now - l.window.Milliseconds()

	result, err := l.client.Eval(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now, windowStart, l.limit, l.window.Milliseconds(), l.member(now))
	if err != nil {
		l.logger.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", l.limit),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}
	return parseWindowResult(result)
}

func (l *RateLimiter) member(now int64) string {
	return strconv.FormatInt(now, 10) + ":" + l.node + ":" + strconv.FormatUint(l.seq.Add(1), 36)
}

func parseWindowResult(result interface{}) (bool, int, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	allowed, ok1 := values[0].(int64)
	waitMs, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	if allowed == 1 {
		return true, 0, nil
	}
	return false, retryAfterSeconds(waitMs), nil
}

func retryAfterSeconds(waitMs int64) int {
	if waitMs <= 0 {
		return 1
	}
	return int((waitMs + 999) / 1000)
}
