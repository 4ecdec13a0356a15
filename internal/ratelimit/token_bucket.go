package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// OwnerLimiter is a distributed token bucket per owner, shared by every API replica
// through Redis. Each owner gets Capacity tokens refilled at Refill tokens per second.
type OwnerLimiter struct {
	client    *redis.Client
	keyPrefix string
	capacity  int
	refill    float64
	ttl       time.Duration
	now       func() time.Time
}

// NewOwnerLimiter builds a limiter. A non-positive capacity or refill disables limiting.
func NewOwnerLimiter(client *redis.Client, capacity int, refillPerSecond float64) *OwnerLimiter {
	ttl := time.Minute
	if refillPerSecond > 0 && capacity > 0 {
		// Long enough for an idle bucket to refill completely before it is evicted.
		full := time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) * 2
		if full > ttl {
			ttl = full
		}
	}
	return &OwnerLimiter{
		client:    client,
		keyPrefix: "ratelimit:owner:",
		capacity:  capacity,
		refill:    refillPerSecond,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Enabled reports whether the limiter enforces anything.
func (l *OwnerLimiter) Enabled() bool {
	return l != nil && l.client != nil && l.capacity > 0 && l.refill > 0
}

// Allow consumes one token from ownerID's bucket if one is available.
func (l *OwnerLimiter) Allow(ctx context.Context, ownerID string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true, Remaining: math.Inf(1)}, nil
	}
	res, err := bucketScript.Run(ctx, l.client, []string{l.keyPrefix + ownerID},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", ownerID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %T", ownerID, res)
	}
	allowed, _ := arr[0].(int64)
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		_, _ = fmt.Sscanf(v, "%g", &remaining)
	}
	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed {
		missing := 1 - remaining
		if missing < 0 {
			missing = 0
		}
		d.RetryAfter = time.Duration(math.Ceil(missing/l.refill*1000)) * time.Millisecond
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}

// Tokens are returned as a string so fractional refills survive the Lua-to-Redis
// number conversion, which truncates to an integer.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
