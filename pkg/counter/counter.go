// Package counter rolls event counts up into minute, hour, day, week and
// month buckets at once.
//
// Each bucket is an integer key "counter:{base}:{window}:{label}" where the
// label is the event time truncated to the window. All five increments for
// one event happen in a single script, so a reader never sees the hour
// bucket updated without the day bucket. Buckets expire after twice their
// window, which keeps the previous period around for comparisons.
package counter

import (
	"context"
	"time"

	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
)

// incrementScript bumps every bucket and refreshes its TTL.
//
// KEYS    one bucket per window
// ARGV[1] amount, ARGV[1+i] ttl (s) for KEYS[i]
var incrementScript = redis.NewScript(`
local out = {}
for i, key in ipairs(KEYS) do
  out[i] = redis.call('INCRBY', key, ARGV[1])
  redis.call('EXPIRE', key, ARGV[i + 1])
end
return out
`)

// Bucket is one window's counter.
type Bucket struct {
	Window Window
	Label  string
	Value  int64
}

// Buckets is a set of per-window counters in Windows order.
type Buckets []Bucket

// Get returns the value for w, or 0 if absent.
func (b Buckets) Get(w Window) int64 {
	for _, bucket := range b {
		if bucket.Window == w {
			return bucket.Value
		}
	}
	return 0
}

// Comparison pairs a window's current bucket with the one before it.
type Comparison struct {
	Window   Window
	Current  Bucket
	Previous Bucket
}

// Counter increments and reads multi-window counters.
type Counter struct {
	exec *store.Executor
}

// New builds a Counter and preloads its script.
func New(client store.Client, opts ...store.Option) (*Counter, error) {
	exec := store.NewExecutor(client, "counter", opts...)
	if err := exec.Connect(context.Background(), incrementScript); err != nil {
		return nil, err
	}
	return &Counter{exec: exec}, nil
}

func (c *Counter) key(base string, w Window, at time.Time) string {
	return c.exec.Key("counter", base, string(w), w.Label(at))
}

// at resolves a zero timestamp to the store clock.
func (c *Counter) at(ctx context.Context, t time.Time) (time.Time, error) {
	if !t.IsZero() {
		return t, nil
	}
	return c.exec.Now(ctx)
}

// Increment adds amount to all five buckets containing at and returns their
// new values. A zero at means "now" on the store clock. The clock is read
// before the script runs; the increments themselves are one atomic step.
func (c *Counter) Increment(ctx context.Context, base string, amount int64, at time.Time) (Buckets, error) {
	at, err := c.at(ctx, at)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(Windows))
	args := make([]interface{}, 0, len(Windows)+1)
	args = append(args, amount)
	for i, w := range Windows {
		keys[i] = c.key(base, w, at)
		args = append(args, int64(w.TTL()/time.Second))
	}

	reply, err := c.exec.Run(ctx, incrementScript, keys, args...)
	if err != nil {
		return nil, err
	}
	values, err := store.Values(reply, len(Windows))
	if err != nil {
		return nil, err
	}

	out := make(Buckets, len(Windows))
	for i, w := range Windows {
		out[i] = Bucket{Window: w, Label: w.Label(at), Value: store.Int64(values[i])}
	}
	return out, nil
}

// Read returns the five buckets containing at. Missing buckets read as 0.
func (c *Counter) Read(ctx context.Context, base string, at time.Time) (Buckets, error) {
	at, err := c.at(ctx, at)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(Windows))
	for i, w := range Windows {
		keys[i] = c.key(base, w, at)
	}
	values, err := c.mget(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(Buckets, len(Windows))
	for i, w := range Windows {
		out[i] = Bucket{Window: w, Label: w.Label(at), Value: values[i]}
	}
	return out, nil
}

// Compare reads each window's bucket containing at together with the bucket
// before it, in one MGET.
func (c *Counter) Compare(ctx context.Context, base string, at time.Time) ([]Comparison, error) {
	at, err := c.at(ctx, at)
	if err != nil {
		return nil, err
	}

	n := len(Windows)
	keys := make([]string, 0, 2*n)
	for _, w := range Windows {
		keys = append(keys, c.key(base, w, at), c.key(base, w, w.Previous(at)))
	}
	values, err := c.mget(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]Comparison, n)
	for i, w := range Windows {
		out[i] = Comparison{
			Window:   w,
			Current:  Bucket{Window: w, Label: w.Label(at), Value: values[2*i]},
			Previous: Bucket{Window: w, Label: w.Label(w.Previous(at)), Value: values[2*i+1]},
		}
	}
	return out, nil
}

func (c *Counter) mget(ctx context.Context, keys []string) ([]int64, error) {
	var raw []interface{}
	err := c.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = c.exec.Client().MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	values := make([]int64, len(keys))
	for i, v := range raw {
		values[i] = store.Int64(v)
	}
	return values, nil
}
