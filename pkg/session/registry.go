// Package session stores user sessions with a per-user index of active
// sessions.
//
// A session is the hash "session:{id}" (user_id, payload, created_at,
// last_accessed) expiring ttl after its last write. The set
// "user_sessions:{user}" holds the session keys of that user as weak
// references; its TTL is kept at least ttl+grace so the index outlives every
// member it lists. Entries for sessions that already expired stay in the set
// until the set itself expires and are skipped on read.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultIndexGrace is how much longer the per-user index lives than the
// session written last.
const DefaultIndexGrace = time.Hour

var (
	ErrNotFound   = errors.New("session: not found")
	ErrInvalidTTL = errors.New("session: ttl must be at least one second")
	ErrEmptyID    = errors.New("session: session and user id must not be empty")
)

// upsertScript writes the session and indexes it under its user.
// created_at is only set on first write.
//
// KEYS[1] session, KEYS[2] user index
// ARGV    user id, payload, ttl (s), grace (s), now (µs, optional)
var upsertScript = redis.NewScript(`
local stamp = ARGV[5]
if stamp == '' then
  local t = redis.call('TIME')
  stamp = string.format('%.0f', tonumber(t[1]) * 1000000 + tonumber(t[2]))
end

local created = redis.call('HSETNX', KEYS[1], 'created_at', stamp)
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'payload', ARGV[2], 'last_accessed', stamp)
redis.call('EXPIRE', KEYS[1], ARGV[3])

redis.call('SADD', KEYS[2], KEYS[1])
local want = tonumber(ARGV[3]) + tonumber(ARGV[4])
if redis.call('TTL', KEYS[2]) < want then
  redis.call('EXPIRE', KEYS[2], want)
end

return {created, redis.call('HGET', KEYS[1], 'created_at'), stamp}
`)

// Session is a stored session record.
type Session struct {
	ID           string
	UserID       string
	Payload      string
	CreatedAt    time.Time
	LastAccessed time.Time
	// TTL is the remaining lifetime; only set by Get.
	TTL time.Duration
}

// Write is the result of CreateOrUpdate.
type Write struct {
	// Created is true when the session did not exist before this call.
	Created      bool
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Registry creates, renews and lists sessions.
type Registry struct {
	exec  *store.Executor
	grace time.Duration
}

// New builds a Registry with DefaultIndexGrace.
func New(client store.Client, opts ...store.Option) (*Registry, error) {
	return NewWithGrace(client, DefaultIndexGrace, opts...)
}

// NewWithGrace builds a Registry whose per-user index outlives its newest
// session by grace. Values under one second fall back to DefaultIndexGrace.
func NewWithGrace(client store.Client, grace time.Duration, opts ...store.Option) (*Registry, error) {
	if grace < time.Second {
		grace = DefaultIndexGrace
	}
	exec := store.NewExecutor(client, "session", opts...)
	if err := exec.Connect(context.Background(), upsertScript); err != nil {
		return nil, err
	}
	return &Registry{exec: exec, grace: grace}, nil
}

func (r *Registry) sessionKey(id string) string {
	return r.exec.Key("session", id)
}

func (r *Registry) indexKey(userID string) string {
	return r.exec.Key("user_sessions", userID)
}

// CreateOrUpdate writes the session, sets its TTL and adds it to the user's
// index, all in one step. Renewing keeps the original creation time. A
// fractional ttl is rounded up to the next whole second.
func (r *Registry) CreateOrUpdate(ctx context.Context, sessionID, userID, payload string, ttl time.Duration) (Write, error) {
	if sessionID == "" || userID == "" {
		return Write{}, ErrEmptyID
	}
	if ttl < time.Second {
		return Write{}, ErrInvalidTTL
	}

	reply, err := r.exec.Run(ctx, upsertScript,
		[]string{r.sessionKey(sessionID), r.indexKey(userID)},
		userID,
		payload,
		seconds(ttl),
		seconds(r.grace),
		"",
	)
	if err != nil {
		return Write{}, err
	}
	values, err := store.Values(reply, 3)
	if err != nil {
		return Write{}, err
	}

	w := Write{
		Created:      store.Int64(values[0]) == 1,
		CreatedAt:    store.Micros(store.Int64(values[1])),
		LastAccessed: store.Micros(store.Int64(values[2])),
	}
	if w.Created {
		r.exec.Outcome("created")
		r.exec.Logger().Debug("Session created",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID))
	} else {
		r.exec.Outcome("renewed")
	}
	return w, nil
}

// Get returns the session, or ErrNotFound if it expired or never existed.
func (r *Registry) Get(ctx context.Context, sessionID string) (Session, error) {
	key := r.sessionKey(sessionID)
	var fields *redis.MapStringStringCmd
	var ttl *redis.DurationCmd
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		_, err := r.exec.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
			fields = p.HGetAll(ctx, key)
			ttl = p.TTL(ctx, key)
			return nil
		})
		return err
	})
	if err != nil {
		return Session{}, err
	}

	s, ok := parse(sessionID, fields.Val())
	if !ok {
		return Session{}, ErrNotFound
	}
	if d := ttl.Val(); d > 0 {
		s.TTL = d
	}
	return s, nil
}

// ListForUser returns the user's live sessions. Index entries whose session
// expired, or now belongs to another user, are skipped.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	client := r.exec.Client()

	var members []string
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		members, err = client.SMembers(ctx, r.indexKey(userID)).Result()
		return err
	})
	if err != nil || len(members) == 0 {
		return nil, err
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	err = r.exec.Do(ctx, func(ctx context.Context) error {
		_, err := client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, key := range members {
				cmds[i] = p.HGetAll(ctx, key)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	prefix := r.sessionKey("")
	sessions := make([]Session, 0, len(members))
	for i, key := range members {
		s, ok := parse(strings.TrimPrefix(key, prefix), cmds[i].Val())
		if !ok || s.UserID != userID {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func parse(id string, fields map[string]string) (Session, bool) {
	if len(fields) == 0 {
		return Session{}, false
	}
	return Session{
		ID:           id,
		UserID:       fields["user_id"],
		Payload:      fields["payload"],
		CreatedAt:    store.Micros(store.Int64(fields["created_at"])),
		LastAccessed: store.Micros(store.Int64(fields["last_accessed"])),
	}, true
}

// seconds converts d to whole seconds, rounding up so a session never
// expires before the TTL it was given.
func seconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}
