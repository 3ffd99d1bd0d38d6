// Package limiter provides local and distributed rate limiting based on the
// Sliding Window Log algorithm.
//
// The primary entry point is the RateLimiter interface:
//
//	dec, err := limiter.Allow(ctx, id, limit)
//
// The returned Decision contains whether the event was accepted, how many
// further events fit in the current window, and timing hints for callers that
// want to set rate-limit headers (for example, Retry-After).
//
// # Overview
//
// Each identity owns a log of accepted event timestamps. A check:
//
//  1. evicts every event at or before now-Window,
//  2. counts what is left,
//  3. records the current event only if the count is below Max.
//
// Window membership is the half-open interval (now-Window, now]: an event
// exactly one window old has already left the window. The three steps always
// run in this order; reordering them changes behaviour at window boundaries.
//
// For any sub-interval of length Window, at most Max events are accepted.
// A Limit with Max 0 rejects everything.
//
// # Core Types
//
// Limit defines the policy:
//
//   - Max: events accepted per window
//   - Window: the rolling interval Max applies to
//
// Identity defines "who" is being rate-limited. It is split into:
//
//   - Namespace: a logical grouping (for example, "user", "ip", "api_key")
//   - Key: the identifier within that namespace (for example, "user_123")
//
// # Backends
//
// The package provides two implementations with the same Allow API:
//
//   - MemoryLimiter: an in-process limiter backed by a Go map. This is useful
//     for unit tests, local development, and single-instance deployments.
//
//   - RedisLimiter: a distributed limiter backed by Redis. It uses a Lua script
//     to perform evict/count/record atomically, which makes it safe to use
//     across many application instances while enforcing a single global
//     budget per identity. Time comes from the Redis server clock.
//
// # Context and Error Policy
//
// This package does not impose a "fail open" vs "fail closed" policy. If Redis
// is unavailable or the context expires, Allow returns a non-nil error and the
// caller decides whether to deny traffic (protect the backend) or allow traffic
// (maximize availability). Nothing is retried.
//
// # Decision Semantics
//
//   - Allow reports whether the current event was accepted and recorded.
//   - Remaining is Max-count-1 when accepted and 0 when rejected.
//   - RetryAfter is 0 when accepted; when rejected it is the time until the
//     oldest event in the window leaves it.
//   - ResetTime is the absolute timestamp corresponding to now+RetryAfter.
//
// # Storage Details
//
// RedisLimiter stores each identity as a sorted set under
//
//	"ratelimit:{namespace}:{key}"
//
// scored by event time in microseconds. Members carry a random nonce so
// events in the same microsecond stay distinct. The key expires Window+1
// seconds after the last accepted event.
//
// # Configuration
//
// RedisLimiter is configured with the shared store options:
//
//	limiter, _ := NewRedisLimiter(client,
//		store.WithNamespace("myapp:"),
//		store.WithTimeout(2*time.Second),
//		store.WithRecorder(myMetrics),
//	)
package limiter
