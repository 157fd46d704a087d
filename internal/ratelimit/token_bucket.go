package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is one rate-limit verdict. RetryAfter is zero when allowed.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RedisTokenBucket is a shared token bucket keyed by caller, refilled at a
// steady rate up to a burst ceiling. The check-and-debit runs as a single
// Lua script so concurrent API replicas see one consistent bucket.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	burst     int64
	ratePerMS float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
	script    *redis.Script
}

const bucketScript = `
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local rate_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "timestamp")
local tokens = tonumber(data[1])
local timestamp = tonumber(data[2])

if tokens == nil then
  tokens = burst
end
if timestamp == nil then
  timestamp = now_ms
end

local elapsed = math.max(0, now_ms - timestamp)
tokens = math.min(burst, tokens + (elapsed * rate_per_ms))

local allowed = 0
local retry_after_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after_ms = math.ceil((1 - tokens) / rate_per_ms)
end

redis.call("HMSET", key, "tokens", tokens, "timestamp", now_ms)
redis.call("PEXPIRE", key, ttl_ms)

return {allowed, math.floor(tokens), retry_after_ms}
`

// NewRedisTokenBucket builds a limiter admitting ratePerSecond sustained
// requests with bursts up to burst.
func NewRedisTokenBucket(client redis.UniversalClient, ratePerSecond float64, burst int, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ratePerSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive")
	}
	if burst <= 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "geoproc:ratelimit"
	}

	// A bucket idle long enough to fully refill can simply expire.
	refillMS := float64(burst) / (ratePerSecond / 1000)
	ttl := time.Duration(2*math.Ceil(refillMS)) * time.Millisecond
	if ttl < time.Minute {
		ttl = time.Minute
	}

	return &RedisTokenBucket{
		client:    client,
		burst:     int64(burst),
		ratePerMS: ratePerSecond / 1000,
		ttl:       ttl,
		keyPrefix: keyPrefix,
		now:       time.Now,
		script:    redis.NewScript(bucketScript),
	}, nil
}

// Allow debits one token for subject, typically the caller's remote address.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	key := l.keyPrefix + ":" + subject
	raw, err := l.script.Run(
		ctx,
		l.client,
		[]string{key},
		l.burst,
		l.ratePerMS,
		l.now().UTC().UnixMilli(),
		l.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("invalid token bucket response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return Decision{}, fmt.Errorf("parse allow value: %w", err)
	}
	remaining, err := toInt64(values[1])
	if err != nil {
		return Decision{}, fmt.Errorf("parse remaining value: %w", err)
	}
	retryAfterMS, err := toInt64(values[2])
	if err != nil {
		return Decision{}, fmt.Errorf("parse retry-after value: %w", err)
	}

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfterMS) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
