package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client is the store handle every primitive is built on. It must talk to a
// single Redis node: *redis.Client, including a failover client. Scripts
// touch keys in different hash slots, the queue's peek script reads payload
// keys it derives from ARGV, and the invalidator's SCAN walks one node, so
// sharded handles are refused by Connect.
type Client = redis.UniversalClient

// ErrShardedClient is returned by Connect for a *redis.ClusterClient or a
// *redis.Ring.
var ErrShardedClient = errors.New("store: sharded clients are not supported")

// Executor runs compound operations against the store on behalf of one
// primitive. Each Run is a single EVALSHA (falling back to EVAL when the
// script cache was flushed), which Redis executes without interleaving any
// other command.
type Executor struct {
	client    Client
	primitive string
	opts      Options
}

// NewExecutor builds an Executor for the named primitive. The name prefixes
// metric names ("lock" yields "lock.call", "lock.latency", ...).
func NewExecutor(client Client, primitive string, opts ...Option) *Executor {
	return &Executor{
		client:    client,
		primitive: primitive,
		opts:      NewOptions(opts...),
	}
}

// Client returns the underlying store handle.
func (e *Executor) Client() Client {
	return e.client
}

// Logger returns the configured logger, already tagged with the primitive.
func (e *Executor) Logger() *zap.Logger {
	return e.opts.Logger.With(zap.String("primitive", e.primitive))
}

// Key builds a namespaced key.
func (e *Executor) Key(parts ...string) string {
	return e.opts.Key(parts...)
}

// Connect pings the store and loads scripts into its script cache so the
// first call does not pay for an EVAL fallback.
func (e *Executor) Connect(ctx context.Context, scripts ...*redis.Script) error {
	switch e.client.(type) {
	case *redis.ClusterClient, *redis.Ring:
		return ErrShardedClient
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	for _, s := range scripts {
		if err := s.Load(ctx, e.client).Err(); err != nil {
			return fmt.Errorf("failed to load %s script: %w", e.primitive, err)
		}
	}
	return nil
}

// Run executes script atomically and returns its raw reply.
func (e *Executor) Run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	var reply interface{}
	err := e.Do(ctx, func(ctx context.Context) error {
		var err error
		reply, err = script.Run(ctx, e.client, keys, args...).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	return reply, err
}

// Do runs a plain (non-script) store operation with the same timeout,
// metrics and logging as Run.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	e.opts.Recorder.Add(e.primitive+".call", 1, nil)
	e.opts.Recorder.Observe(e.primitive+".latency", time.Since(start).Seconds(), nil)

	if err != nil {
		e.opts.Recorder.Add(e.primitive+".error", 1, nil)
		e.Logger().Warn("Store operation failed", zap.Error(err))
		return fmt.Errorf("%s: %w", e.primitive, err)
	}
	return nil
}

// Outcome records a contention or result outcome for the primitive.
func (e *Executor) Outcome(outcome string) {
	e.opts.Recorder.Add(e.primitive+".outcome", 1, map[string]string{"outcome": outcome})
}

// Now reads the store's clock. Primitives use it when a value derived from
// time (a bucket label, say) has to be computed client-side.
func (e *Executor) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	err := e.Do(ctx, func(ctx context.Context) error {
		var err error
		now, err = e.client.Time(ctx).Result()
		return err
	})
	return now, err
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.Timeout)
}
