package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manenim/redis-coord/internal/redistest"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *redistest.Server) {
	t.Helper()
	srv := redistest.New(t)
	l, err := NewRedisLimiter(srv.Client)
	if err != nil {
		t.Fatalf("Failed to create RedisLimiter: %v", err)
	}
	return l, srv
}

func TestRedisLimiter_EndToEnd(t *testing.T) {
	l, srv := newTestRedisLimiter(t)
	ctx := context.Background()

	for i, remaining := range []int64{2, 1, 0} {
		dec, err := l.Check(ctx, "user:42", 3, 60)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !dec.Allow || dec.Remaining != remaining {
			t.Fatalf("call %d: got allow=%v remaining=%d, want true/%d", i+1, dec.Allow, dec.Remaining, remaining)
		}
		srv.Advance(3 * time.Second)
	}

	dec, err := l.Check(ctx, "user:42", 3, 60)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allow || dec.Remaining != 0 {
		t.Fatalf("4th call: got allow=%v remaining=%d, want false/0", dec.Allow, dec.Remaining)
	}
	if dec.RetryAfter != 51*time.Second {
		t.Errorf("Expected RetryAfter 51s, got %v", dec.RetryAfter)
	}
	if !dec.ResetTime.Equal(srv.Now().Add(51 * time.Second)) {
		t.Errorf("Expected ResetTime %v, got %v", srv.Now().Add(51*time.Second), dec.ResetTime)
	}

	srv.Advance(61 * time.Second)
	dec, err = l.Check(ctx, "user:42", 3, 60)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allow || dec.Remaining != 2 {
		t.Errorf("5th call: got allow=%v remaining=%d, want true/2", dec.Allow, dec.Remaining)
	}
}

func TestRedisLimiter_SameInstantEventsAreDistinct(t *testing.T) {
	l, srv := newTestRedisLimiter(t)
	ctx := context.Background()

	// The server clock is frozen, so every call lands in the same microsecond.
	for i := 0; i < 5; i++ {
		dec, err := l.Check(ctx, "burst", 5, 10)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allow {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	members, err := srv.ZMembers("ratelimit:burst")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 5 {
		t.Errorf("Expected 5 distinct events recorded, got %d", len(members))
	}
}

func TestRedisLimiter_BoundaryIsExclusive(t *testing.T) {
	l, srv := newTestRedisLimiter(t)
	ctx := context.Background()

	if dec, _ := l.Check(ctx, "edge", 1, 10); !dec.Allow {
		t.Fatal("first call should be allowed")
	}
	srv.Advance(9 * time.Second)
	if dec, _ := l.Check(ctx, "edge", 1, 10); dec.Allow {
		t.Fatal("call inside the window should be denied")
	}
	srv.Advance(1 * time.Second)
	if dec, _ := l.Check(ctx, "edge", 1, 10); !dec.Allow {
		t.Error("an event exactly one window old must not count")
	}
}

func TestRedisLimiter_ZeroLimit(t *testing.T) {
	l, srv := newTestRedisLimiter(t)

	dec, err := l.Check(context.Background(), "nobody", 0, 30)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allow || dec.Remaining != 0 {
		t.Errorf("limit 0 must reject, got %+v", dec)
	}
	if dec.RetryAfter != 30*time.Second {
		t.Errorf("Expected RetryAfter of a full window, got %v", dec.RetryAfter)
	}
	if srv.Exists("ratelimit:nobody") {
		t.Error("a rejected call must not record anything")
	}
}

func TestRedisLimiter_KeyTTL(t *testing.T) {
	l, srv := newTestRedisLimiter(t)

	if _, err := l.Allow(context.Background(), Identity{Namespace: "ip", Key: "10.0.0.1"}, Limit{Max: 2, Window: 30 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if ttl := srv.TTL("ratelimit:ip:10.0.0.1"); ttl != 31*time.Second {
		t.Errorf("Expected TTL window+1s, got %v", ttl)
	}
}

func TestRedisLimiter_ConcurrentBound(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Check(ctx, "shared", 10, 60)
			if err == nil && dec.Allow {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 10 {
		t.Errorf("Expected exactly 10 accepted, got %d", got)
	}
}

func TestRedisLimiter_Integration(t *testing.T) {
	opts := &redis.Options{
		Addr: "localhost:6379",
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}

	limiter, err := NewRedisLimiter(client)
	if err != nil {
		t.Fatalf("Failed to create RedisLimiter: %v", err)
	}

	t.Run("BasicFlow", func(t *testing.T) {
		key := fmt.Sprintf("it_test_%d", time.Now().UnixNano())
		id := Identity{Namespace: "integration", Key: key}
		limit := Limit{Max: 2, Window: 10 * time.Second}

		dec, err := limiter.Allow(ctx, id, limit)
		if err != nil {
			t.Fatalf("Redis error: %v", err)
		}
		if !dec.Allow {
			t.Error("Expected first request to be Allowed")
		}
		if dec.Remaining != 1 {
			t.Errorf("Expected 1 remaining, got %d", dec.Remaining)
		}

		dec, err = limiter.Allow(ctx, id, limit)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allow {
			t.Error("Expected second request to be Allowed")
		}

		dec, err = limiter.Allow(ctx, id, limit)
		if err != nil {
			t.Fatal(err)
		}
		if dec.Allow {
			t.Error("Expected third request to be Denied")
		}
		if dec.RetryAfter <= 0 {
			t.Error("Expected positive RetryAfter on denial")
		}
	})

	t.Run("DistributedState", func(t *testing.T) {
		key := fmt.Sprintf("dist_test_%d", time.Now().UnixNano())
		id := Identity{Namespace: "integration", Key: key}
		limit := Limit{Max: 1, Window: 10 * time.Second}

		// Instance A consumes the budget
		limiterA, _ := NewRedisLimiter(client) // Simulate Node A
		limiterA.Allow(ctx, id, limit)

		// Instance B tries to consume the same budget
		limiterB, _ := NewRedisLimiter(client) // Simulate Node B
		dec, err := limiterB.Allow(ctx, id, limit)

		if err != nil {
			t.Fatal(err)
		}
		if dec.Allow {
			t.Error("Instance B should see the event recorded by Instance A")
		}
	})
}
