// Package lock implements a lease-based mutual-exclusion lock on Redis with
// heartbeat renewal.
//
// A lock is a single key holding the holder id, expiring after the lease.
// Acquire succeeds when the key is free (Acquired) or already held by the
// same holder, in which case the lease is reset (Extended). Any other holder
// gets HeldByOther. Nothing blocks or retries; callers poll with their own
// backoff.
//
// A holder that crashes without releasing is recovered only by the lease
// running out. There is no fencing token, so work done under the lock must
// tolerate a second holder appearing up to one lease after the first stopped
// renewing.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outcome is the result of Acquire.
type Outcome string

const (
	Acquired    Outcome = "acquired"
	Extended    Outcome = "extended"
	HeldByOther Outcome = "held_by_other"
)

// ReleaseOutcome is the result of Release.
type ReleaseOutcome string

const (
	Released ReleaseOutcome = "released"
	NotHeld  ReleaseOutcome = "not_held"
)

var (
	// ErrInvalidLease is returned for a lease shorter than one millisecond.
	ErrInvalidLease = errors.New("lock: lease must be at least 1ms")
	// ErrEmptyHolder is returned when no holder id is given.
	ErrEmptyHolder = errors.New("lock: holder id must not be empty")
	// ErrLockLost is reported by KeepAlive when another holder took over.
	ErrLockLost = errors.New("lock: lease lost to another holder")
)

// heartbeatGrace is how much longer the heartbeat record outlives the lease.
const heartbeatGrace = 10 * time.Second

// acquireScript takes or extends the lease and stamps the heartbeat record.
//
// KEYS[1] lock key, KEYS[2] heartbeat hash
// ARGV    holder, lease (ms), renewal interval (ms), heartbeat ttl (ms)
var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local outcome
if not current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  outcome = 'acquired'
elseif current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  outcome = 'extended'
else
  return {'held_by_other', current, redis.call('PTTL', KEYS[1])}
end

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
redis.call('HSET', KEYS[2], 'holder', ARGV[1], 'interval_ms', ARGV[3], 'renewed_at', now)
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return {outcome, ARGV[1], tonumber(ARGV[2])}
`)

// releaseScript deletes both keys only if holder still owns the lock.
//
// KEYS[1] lock key, KEYS[2] heartbeat hash
// ARGV    holder
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1], KEYS[2])
  return 'released'
end
return 'not_held'
`)

// inspectScript snapshots holder, remaining lease and heartbeat together.
//
// KEYS[1] lock key, KEYS[2] heartbeat hash
var inspectScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder then
  return {'', -2, '', '', ''}
end
local hb = redis.call('HMGET', KEYS[2], 'holder', 'interval_ms', 'renewed_at')
return {holder, redis.call('PTTL', KEYS[1]), hb[1] or '', hb[2] or '', hb[3] or ''}
`)

// Result describes the state after Acquire.
type Result struct {
	Outcome Outcome
	// Holder is the current owner: the caller unless Outcome is HeldByOther.
	Holder string
	// TTL is the remaining lease of the current owner.
	TTL time.Duration
}

// Held reports whether the caller owns the lock after the call.
func (r Result) Held() bool {
	return r.Outcome == Acquired || r.Outcome == Extended
}

// Heartbeat is the diagnostic record written on every successful Acquire.
type Heartbeat struct {
	Holder    string
	Interval  time.Duration
	RenewedAt time.Time
}

// State is a point-in-time view of a lock.
type State struct {
	Locked    bool
	Holder    string
	TTL       time.Duration
	Heartbeat Heartbeat
}

// Locker hands out renewable locks stored under "lock:{name}".
type Locker struct {
	exec *store.Executor
}

// New builds a Locker and preloads its scripts.
func New(client store.Client, opts ...store.Option) (*Locker, error) {
	exec := store.NewExecutor(client, "lock", opts...)
	if err := exec.Connect(context.Background(), acquireScript, releaseScript, inspectScript); err != nil {
		return nil, err
	}
	return &Locker{exec: exec}, nil
}

// NewHolderID returns a random holder id suitable for Acquire.
func NewHolderID() string {
	return uuid.NewString()
}

func (l *Locker) keys(name string) []string {
	key := l.exec.Key("lock", name)
	return []string{key, key + ":renewal"}
}

// Acquire takes the lock for holder, or extends the lease if holder already
// has it. The heartbeat record assumes the holder renews every lease/3; use
// AcquireWithInterval to record a different cadence.
func (l *Locker) Acquire(ctx context.Context, name, holder string, lease time.Duration) (Result, error) {
	return l.AcquireWithInterval(ctx, name, holder, lease, lease/3)
}

// AcquireWithInterval is Acquire with the caller's renewal interval recorded
// in the heartbeat.
func (l *Locker) AcquireWithInterval(ctx context.Context, name, holder string, lease, interval time.Duration) (Result, error) {
	if holder == "" {
		return Result{}, ErrEmptyHolder
	}
	if lease < time.Millisecond {
		return Result{}, ErrInvalidLease
	}

	reply, err := l.exec.Run(ctx, acquireScript, l.keys(name),
		holder,
		lease.Milliseconds(),
		interval.Milliseconds(),
		(lease + heartbeatGrace).Milliseconds(),
	)
	if err != nil {
		return Result{}, err
	}
	values, err := store.Values(reply, 3)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Outcome: Outcome(store.String(values[0])),
		Holder:  store.String(values[1]),
		TTL:     time.Duration(store.Int64(values[2])) * time.Millisecond,
	}
	l.exec.Outcome(string(res.Outcome))
	if res.Outcome == HeldByOther {
		l.exec.Logger().Debug("Lock held by another holder",
			zap.String("lock", name),
			zap.String("holder", res.Holder),
			zap.Duration("ttl", res.TTL))
	}
	return res, nil
}

// Release deletes the lock if holder owns it. A holder never removes a lock
// it does not currently hold.
func (l *Locker) Release(ctx context.Context, name, holder string) (ReleaseOutcome, error) {
	if holder == "" {
		return "", ErrEmptyHolder
	}
	reply, err := l.exec.Run(ctx, releaseScript, l.keys(name), holder)
	if err != nil {
		return "", err
	}
	outcome := ReleaseOutcome(store.String(reply))
	l.exec.Outcome(string(outcome))
	return outcome, nil
}

// Inspect returns the current holder, remaining lease and heartbeat.
func (l *Locker) Inspect(ctx context.Context, name string) (State, error) {
	reply, err := l.exec.Run(ctx, inspectScript, l.keys(name))
	if err != nil {
		return State{}, err
	}
	values, err := store.Values(reply, 5)
	if err != nil {
		return State{}, err
	}

	holder := store.String(values[0])
	if holder == "" {
		return State{}, nil
	}
	st := State{
		Locked: true,
		Holder: holder,
		TTL:    time.Duration(store.Int64(values[1])) * time.Millisecond,
		Heartbeat: Heartbeat{
			Holder:    store.String(values[2]),
			Interval:  time.Duration(store.Int64(values[3])) * time.Millisecond,
			RenewedAt: store.Micros(store.Int64(values[4])),
		},
	}
	return st, nil
}
