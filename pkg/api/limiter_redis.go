package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (seconds, fractional)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is a distributed token-bucket limiter shared across
// engine replicas. On Redis errors it denies the request: a broken
// limiter must not become an open gate.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter over the given Redis URL.
func NewRedisLimiter(url string, rps float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("api: parse redis url: %w", err)
	}
	return &RedisLimiter{
		client: redis.NewClient(opts),
		rps:    rps,
		burst:  burst,
		logger: slog.Default().With("component", "redis-limiter"),
	}, nil
}

// Allow executes the token bucket script for the key.
func (l *RedisLimiter) Allow(r *http.Request, key string) bool {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(r.Context(), l.client,
		[]string{"limiter:" + key}, l.rps, l.burst, 1, now).Int64()
	if err != nil {
		l.logger.Warn("limiter script failed, denying request", "error", err)
		return false
	}
	return res == 1
}

// Close releases the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
