package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result is the outcome of a single tier hit.
type Result struct {
	Allowed bool
	Count   int
	ResetIn time.Duration
}

// Tier is one counter backend.
type Tier interface {
	Hit(ctx context.Context, key string, q Quota, now time.Time) (Result, error)
}

// The window is a sorted set of request timestamps; rejected hits are not
// recorded so a client hammering a closed window does not extend it.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local reset = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
end
return {allowed, count, reset}
`)

// RedisTier is the primary sliding-window tier.
type RedisTier struct {
	client redis.Scripter
	prefix string
}

// NewRedisTier wraps a redis client.
func NewRedisTier(client redis.Scripter) *RedisTier {
	return &RedisTier{client: client, prefix: "rl:"}
}

// Hit records one request against key if the window has room.
func (t *RedisTier) Hit(ctx context.Context, key string, q Quota, now time.Time) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, fmt.Errorf("ratelimit: redis tier not configured")
	}
	windowMS := q.Window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	raw, err := slidingWindowScript.Run(ctx, t.client, []string{t.prefix + key},
		now.UnixMilli(), windowMS, q.Requests, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis hit: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("ratelimit: redis hit: unexpected reply length %d", len(raw))
	}
	reset := time.Duration(raw[2]) * time.Millisecond
	if reset < 0 {
		reset = 0
	}
	return Result{Allowed: raw[0] == 1, Count: int(raw[1]), ResetIn: reset}, nil
}
