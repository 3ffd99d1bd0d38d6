package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status is the outcome of Read.
type Status string

const (
	// Fresh: value present with at least the refresh threshold of TTL left.
	Fresh Status = "fresh"
	// RefreshNeeded: value present but close to expiry, and this caller now
	// holds the refresh marker.
	RefreshNeeded Status = "refresh_needed"
	// Refreshing: value present but close to expiry; someone else refreshes.
	Refreshing Status = "refreshing"
	// LockAcquired: value missing and this caller holds the refresh marker.
	LockAcquired Status = "lock_acquired"
	// LockExists: value missing and someone else is computing it.
	LockExists Status = "lock_exists"
)

// DefaultMarkerTTL bounds how long a crashed refresher blocks others.
const DefaultMarkerTTL = 30 * time.Second

var (
	// ErrRefreshInFlight is returned by GetOrLoad when the value is missing
	// and another caller is computing it. Back off and retry.
	ErrRefreshInFlight = errors.New("cache: refresh in flight")
	// ErrNotMarkerOwner is returned by Populate when the token no longer owns
	// the refresh marker (it expired, or another caller took over).
	ErrNotMarkerOwner = errors.New("cache: refresh marker not owned")
	// ErrInvalidTTL is returned by Populate for a TTL under one millisecond.
	ErrInvalidTTL = errors.New("cache: ttl must be at least 1ms")
)

// readScript reads value and remaining TTL, and tries to take the refresh
// marker when the value is stale or missing.
//
// KEYS[1] cache key, KEYS[2] refresh marker
// ARGV    refresh threshold (ms), marker ttl (ms), marker token
var readScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if value then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 or ttl >= tonumber(ARGV[1]) then
    return {1, value, 'fresh', ttl}
  end
  if redis.call('SET', KEYS[2], ARGV[3], 'NX', 'PX', ARGV[2]) then
    return {1, value, 'refresh_needed', ttl}
  end
  return {1, value, 'refreshing', ttl}
end
if redis.call('SET', KEYS[2], ARGV[3], 'NX', 'PX', ARGV[2]) then
  return {0, '', 'lock_acquired', -2}
end
return {0, '', 'lock_exists', -2}
`)

// populateScript writes the value and clears the marker iff token owns it.
//
// KEYS[1] cache key, KEYS[2] refresh marker
// ARGV    value, ttl (ms), marker token
var populateScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) ~= ARGV[3] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)

// releaseScript clears the marker iff token owns it.
//
// KEYS[1] refresh marker
// ARGV    marker token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Entry is the result of Read.
type Entry struct {
	Hit    bool
	Value  string
	Status Status
	// TTL is the remaining lifetime of the value; negative on a miss.
	TTL time.Duration
	// Token identifies this caller's refresh marker. It is set only for
	// RefreshNeeded and LockAcquired and must be passed to Populate or
	// ReleaseMarker.
	Token string
}

// OwnsRefresh reports whether the caller must recompute the value.
func (e Entry) OwnsRefresh() bool {
	return e.Status == RefreshNeeded || e.Status == LockAcquired
}

// Coordinator is a cache-aside coordinator with single-flight refresh and
// stale-while-revalidate reads. Values live at "cache:{id}", refresh markers
// at "cache:{id}:refreshing".
type Coordinator struct {
	exec      *store.Executor
	markerTTL time.Duration
	group     singleflight.Group
}

// New builds a Coordinator and preloads its scripts. markerTTL bounds how
// long a crashed refresher blocks others; zero selects DefaultMarkerTTL.
func New(client store.Client, markerTTL time.Duration, opts ...store.Option) (*Coordinator, error) {
	exec := store.NewExecutor(client, "cache", opts...)
	if err := exec.Connect(context.Background(), readScript, populateScript, releaseScript); err != nil {
		return nil, err
	}
	if markerTTL <= 0 {
		markerTTL = DefaultMarkerTTL
	}
	return &Coordinator{exec: exec, markerTTL: markerTTL}, nil
}

func (c *Coordinator) keys(id string) []string {
	key := c.exec.Key("cache", id)
	return []string{key, key + ":refreshing"}
}

// Read returns the cached value for id and tells the caller whether it has
// to refresh it. At most one concurrent caller per id is told to recompute.
func (c *Coordinator) Read(ctx context.Context, id string, refreshThreshold time.Duration) (Entry, error) {
	token := uuid.NewString()
	reply, err := c.exec.Run(ctx, readScript, c.keys(id),
		refreshThreshold.Milliseconds(),
		c.markerTTL.Milliseconds(),
		token,
	)
	if err != nil {
		return Entry{}, err
	}
	values, err := store.Values(reply, 4)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Hit:    store.Int64(values[0]) == 1,
		Value:  store.String(values[1]),
		Status: Status(store.String(values[2])),
		TTL:    time.Duration(store.Int64(values[3])) * time.Millisecond,
	}
	if e.OwnsRefresh() {
		e.Token = token
	}
	c.exec.Outcome(string(e.Status))
	return e, nil
}

// Populate writes a freshly computed value and clears the refresh marker.
// It fails with ErrNotMarkerOwner, writing nothing, if token no longer owns
// the marker.
func (c *Coordinator) Populate(ctx context.Context, id, value string, ttl time.Duration, token string) error {
	if ttl < time.Millisecond {
		return ErrInvalidTTL
	}
	reply, err := c.exec.Run(ctx, populateScript, c.keys(id), value, ttl.Milliseconds(), token)
	if err != nil {
		return err
	}
	if store.Int64(reply) != 1 {
		c.exec.Logger().Info("Refresh marker lost before populate", zap.String("id", id))
		return ErrNotMarkerOwner
	}
	return nil
}

// ReleaseMarker clears the refresh marker without writing, for a refresh
// that failed. It reports whether token still owned the marker.
func (c *Coordinator) ReleaseMarker(ctx context.Context, id, token string) (bool, error) {
	reply, err := c.exec.Run(ctx, releaseScript, c.keys(id)[1:], token)
	if err != nil {
		return false, err
	}
	return store.Int64(reply) == 1, nil
}
