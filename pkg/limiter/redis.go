package limiter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript evicts, counts and conditionally records in one step.
// Eviction runs before counting so an event exactly one window old no longer
// counts: membership is (now-window, now].
//
// KEYS[1] window set
// ARGV    limit, window (µs), key ttl (s), member nonce
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local limit  = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl    = tonumber(ARGV[3])

local t   = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now, t[1] .. '.' .. t[2] .. ':' .. ARGV[4])
  redis.call('EXPIRE', key, ttl)
  return {1, limit - count - 1, 0, now}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry, now}
`)

// RedisLimiter is a distributed sliding-window limiter. Every Allow is a
// single script, so any number of instances sharing one Redis enforce one
// global budget per identity.
type RedisLimiter struct {
	exec *store.Executor
}

func NewRedisLimiter(client store.Client, opts ...store.Option) (*RedisLimiter, error) {
	exec := store.NewExecutor(client, "ratelimit", opts...)
	if err := exec.Connect(context.Background(), slidingWindowScript); err != nil {
		return nil, err
	}
	return &RedisLimiter{exec: exec}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, id Identity, limit Limit) (Decision, error) {
	if err := limit.validate(); err != nil {
		return Decision{}, err
	}

	key := r.exec.Key("ratelimit", id.Subject())
	ttl := int64(limit.Window/time.Second) + 1

	reply, err := r.exec.Run(ctx, slidingWindowScript, []string{key},
		limit.Max,                   // ARGV[1]
		limit.Window.Microseconds(), // ARGV[2]
		ttl,                         // ARGV[3]
		uuid.NewString(),            // ARGV[4]
	)
	if err != nil {
		return Decision{}, err
	}

	values, err := store.Values(reply, 4)
	if err != nil {
		return Decision{}, err
	}

	retryAfter := time.Duration(store.Int64(values[2])) * time.Microsecond
	now := store.Micros(store.Int64(values[3]))
	dec := Decision{
		Allow:      store.Int64(values[0]) == 1,
		Remaining:  store.Int64(values[1]),
		RetryAfter: retryAfter,
		ResetTime:  now.Add(retryAfter),
	}

	if dec.Allow {
		r.exec.Outcome("accepted")
	} else {
		r.exec.Outcome("rejected")
		r.exec.Logger().Debug("Rate limit exceeded",
			zap.String("subject", id.Subject()),
			zap.Int64("limit", limit.Max),
			zap.Duration("retry_after", retryAfter))
	}
	return dec, nil
}

// Check is Allow for a bare subject string with the window given in whole
// seconds, e.g. Check(ctx, "user:42", 3, 60).
func (r *RedisLimiter) Check(ctx context.Context, subject string, limit int64, windowSeconds int64) (Decision, error) {
	return r.Allow(ctx, Identity{Key: subject}, Limit{
		Max:    limit,
		Window: time.Duration(windowSeconds) * time.Second,
	})
}
