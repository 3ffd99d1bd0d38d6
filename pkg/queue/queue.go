// Package queue implements an at-most-once priority queue for notification
// delivery on Redis.
//
// Items live in a sorted set "queue:{name}" scored so that lower priority
// values are served first and, within one priority, older items first.
// Payloads are stored next to it under "queue:{name}:payload:{id}" and expire
// after a day. An optional dedup key sets "queue:{name}:dedup:{key}" in the
// same script; while that marker lives, a second item with the same dedup
// key is reported as Duplicate and nothing is written.
//
// Consuming the queue is up to the caller (pop by ascending score).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Priority orders items; lower is served first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3

	// MaxPriority is the largest accepted priority value.
	MaxPriority Priority = 9
)

// Result is the outcome of Enqueue.
type Result string

const (
	Enqueued  Result = "enqueued"
	Duplicate Result = "duplicate"
)

const (
	// priorityWeight keeps priority dominant over the enqueue time in ms;
	// with MaxPriority 9 every score stays below 2^53.
	priorityWeight = 1e13

	DefaultPayloadTTL = 24 * time.Hour
	DefaultDedupTTL   = time.Hour
)

var (
	ErrInvalidPriority = errors.New("queue: priority out of range")
	ErrEmptyItemID     = errors.New("queue: item id must not be empty")
)

// enqueueScript checks the dedup marker, then adds the item and payload.
//
// KEYS[1] queue set, KEYS[2] payload key, KEYS[3] dedup marker (optional)
// ARGV    item id, priority, payload, payload ttl (s), dedup ttl (s), weight
var enqueueScript = redis.NewScript(`
if KEYS[3] then
  if not redis.call('SET', KEYS[3], ARGV[1], 'NX', 'EX', ARGV[5]) then
    return {'duplicate', 0}
  end
end
local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local score = tonumber(ARGV[2]) * tonumber(ARGV[6]) + now_ms
redis.call('ZADD', KEYS[1], score, ARGV[1])
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
return {'enqueued', string.format('%.17g', score)}
`)

// peekScript lists the first n items with their payloads.
//
// KEYS[1] queue set
// ARGV    n, payload key prefix
var peekScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1, 'WITHSCORES')
local out = {}
for i = 1, #ids, 2 do
  local payload = redis.call('GET', ARGV[2] .. ids[i]) or ''
  table.insert(out, ids[i])
  table.insert(out, ids[i + 1])
  table.insert(out, payload)
end
return out
`)

// Item is an entry to enqueue.
type Item struct {
	ID       string
	Priority Priority
	Payload  string
	// DedupKey, when set, rejects any other item with the same key while the
	// marker lives.
	DedupKey string
}

// Receipt is what Enqueue reports back.
type Receipt struct {
	Result Result
	Score  float64
}

// Queued is an item as seen by Peek.
type Queued struct {
	ID      string
	Score   float64
	Payload string
}

// Queue enqueues into named priority queues.
type Queue struct {
	exec       *store.Executor
	payloadTTL time.Duration
	dedupTTL   time.Duration
}

// New builds a Queue with the default payload (24h) and dedup (1h) expiries.
func New(client store.Client, opts ...store.Option) (*Queue, error) {
	return NewWithTTL(client, DefaultPayloadTTL, DefaultDedupTTL, opts...)
}

// NewWithTTL builds a Queue with explicit payload and dedup expiries. Values
// under one second fall back to the defaults.
func NewWithTTL(client store.Client, payloadTTL, dedupTTL time.Duration, opts ...store.Option) (*Queue, error) {
	if payloadTTL < time.Second {
		payloadTTL = DefaultPayloadTTL
	}
	if dedupTTL < time.Second {
		dedupTTL = DefaultDedupTTL
	}
	exec := store.NewExecutor(client, "queue", opts...)
	if err := exec.Connect(context.Background(), enqueueScript, peekScript); err != nil {
		return nil, err
	}
	return &Queue{exec: exec, payloadTTL: payloadTTL, dedupTTL: dedupTTL}, nil
}

// Enqueue adds item to the named queue unless its dedup marker exists.
func (q *Queue) Enqueue(ctx context.Context, name string, item Item) (Receipt, error) {
	if item.ID == "" {
		return Receipt{}, ErrEmptyItemID
	}
	if item.Priority < 0 || item.Priority > MaxPriority {
		return Receipt{}, ErrInvalidPriority
	}

	base := q.exec.Key("queue", name)
	keys := []string{base, base + ":payload:" + item.ID}
	if item.DedupKey != "" {
		keys = append(keys, base+":dedup:"+item.DedupKey)
	}

	reply, err := q.exec.Run(ctx, enqueueScript, keys,
		item.ID,
		int(item.Priority),
		item.Payload,
		int64(q.payloadTTL/time.Second),
		int64(q.dedupTTL/time.Second),
		int64(priorityWeight),
	)
	if err != nil {
		return Receipt{}, err
	}
	values, err := store.Values(reply, 2)
	if err != nil {
		return Receipt{}, err
	}

	r := Receipt{
		Result: Result(store.String(values[0])),
		Score:  store.Float64(values[1]),
	}
	q.exec.Outcome(string(r.Result))
	if r.Result == Duplicate {
		q.exec.Logger().Debug("Duplicate item rejected",
			zap.String("queue", name),
			zap.String("item", item.ID),
			zap.String("dedup_key", item.DedupKey))
	}
	return r, nil
}

// Peek returns up to n items in service order without removing them.
func (q *Queue) Peek(ctx context.Context, name string, n int) ([]Queued, error) {
	if n <= 0 {
		return nil, nil
	}
	base := q.exec.Key("queue", name)
	reply, err := q.exec.Run(ctx, peekScript, []string{base}, n, base+":payload:")
	if err != nil {
		return nil, err
	}
	values, ok := reply.([]interface{})
	if !ok || len(values)%3 != 0 {
		return nil, store.ErrUnexpectedReply
	}

	items := make([]Queued, 0, len(values)/3)
	for i := 0; i < len(values); i += 3 {
		items = append(items, Queued{
			ID:      store.String(values[i]),
			Score:   store.Float64(values[i+1]),
			Payload: store.String(values[i+2]),
		})
	}
	return items, nil
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	var n int64
	err := q.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = q.exec.Client().ZCard(ctx, q.exec.Key("queue", name)).Result()
		return err
	})
	return n, err
}
