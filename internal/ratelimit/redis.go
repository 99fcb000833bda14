package ratelimit

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaysignal/signalman/pkg/logging"
)

// tokenBucketScript performs the full token-bucket read-modify-write as a
// single server-side atomic script (compare-and-set semantics), per
// spec.md §4.4 and §9's "single server-side atomic script" design note.
// KEYS[1] = bucket hash key. ARGV: capacity, refill_rate, cost, now (unix
// seconds, float). Returns {allowed(0/1), tokens_remaining, retry_after}.
var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = now - last_refill
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_after = (cost - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, 3600)
return {allowed, tostring(tokens), tostring(retry_after)}
`)

// slidingWindowScript mirrors SlidingWindow.Attempt as a single atomic
// script over a Redis sorted set keyed by timestamp.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

local allowed = 0
local retry_after = 0
if count + cost <= limit then
  for i = 1, cost do
    redis.call("ZADD", key, now, now .. ":" .. i .. ":" .. math.random())
  end
  allowed = 1
  count = count + cost
else
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if oldest[2] ~= nil then
    retry_after = (tonumber(oldest[2]) + window) - now
  else
    retry_after = window
  end
  if retry_after <= 0 then retry_after = window end
end

redis.call("EXPIRE", key, math.ceil(window) + 1)
return {allowed, tostring(count), tostring(retry_after)}
`)

// RedisTokenBucket is the distributed-store token bucket. On store failure
// it fails open (admits) and logs — a deliberate availability bias per
// spec.md §4.4.
type RedisTokenBucket struct {
	client     goredis.UniversalClient
	keyPrefix  string
	capacity   float64
	refillRate float64
	layer      Layer
	logger     logging.Logger
}

func NewRedisTokenBucket(client goredis.UniversalClient, keyPrefix string, layer Layer, capacity, refillRate float64, logger logging.Logger) *RedisTokenBucket {
	return &RedisTokenBucket{client: client, keyPrefix: keyPrefix, capacity: capacity, refillRate: refillRate, layer: layer, logger: logger}
}

func (b *RedisTokenBucket) Attempt(ctx context.Context, id string, cost int64) (Decision, error) {
	key := b.keyPrefix + ":tb:" + string(b.layer) + ":" + id
	now := float64(time.Now().UnixNano()) / 1e9

	res, err := tokenBucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refillRate, cost, now).Slice()
	if err != nil {
		if b.logger != nil {
			b.logger.WithError(err).Warn("rate limiter distributed store unavailable, failing open")
		}
		return Decision{Allowed: true, Identifier: id, Layer: b.layer}, nil
	}

	allowed := res[0].(int64) == 1
	d := Decision{Identifier: id, Layer: b.layer, Limit: int64(b.capacity), Allowed: allowed}
	if !allowed {
		d.RetryAfter = parseRetryAfter(res[2])
	}
	return d, nil
}

// RedisSlidingWindow is the distributed-store sliding window.
type RedisSlidingWindow struct {
	client    goredis.UniversalClient
	keyPrefix string
	limit     int64
	window    time.Duration
	layer     Layer
	logger    logging.Logger
}

func NewRedisSlidingWindow(client goredis.UniversalClient, keyPrefix string, layer Layer, limit int64, window time.Duration, logger logging.Logger) *RedisSlidingWindow {
	return &RedisSlidingWindow{client: client, keyPrefix: keyPrefix, limit: limit, window: window, layer: layer, logger: logger}
}

func (w *RedisSlidingWindow) Attempt(ctx context.Context, id string, cost int64) (Decision, error) {
	key := w.keyPrefix + ":sw:" + string(w.layer) + ":" + id
	now := float64(time.Now().UnixNano()) / 1e9

	res, err := slidingWindowScript.Run(ctx, w.client, []string{key}, w.limit, w.window.Seconds(), cost, now).Slice()
	if err != nil {
		if w.logger != nil {
			w.logger.WithError(err).Warn("rate limiter distributed store unavailable, failing open")
		}
		return Decision{Allowed: true, Identifier: id, Layer: w.layer}, nil
	}

	allowed := res[0].(int64) == 1
	d := Decision{Identifier: id, Layer: w.layer, Limit: w.limit, Allowed: allowed}
	if !allowed {
		d.RetryAfter = parseRetryAfter(res[2])
	}
	return d, nil
}

func parseRetryAfter(v interface{}) time.Duration {
	s, _ := v.(string)
	seconds, _ := strconv.ParseFloat(s, 64)
	return ceilDuration(seconds)
}
