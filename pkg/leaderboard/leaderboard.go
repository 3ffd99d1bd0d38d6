// Package leaderboard keeps ranked scores that decay exponentially with the
// time since each member's last update.
//
// On every Update the member's previous score is decayed by
// e^(-rate × elapsed seconds), the increment is added, and the result is
// written to the sorted set "leaderboard:{name}" and the member record
// "leaderboard:{name}:member:{id}" in one script. Ranks are therefore as of
// each member's own last update.
package leaderboard

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MemberTTL is how long a member record lives after its last update.
const MemberTTL = 30 * 24 * time.Hour

var (
	ErrInvalidDecayRate = errors.New("leaderboard: decay rate must be a finite non-negative number")
	ErrInvalidIncrement = errors.New("leaderboard: increment must be finite")
	ErrEmptyMember      = errors.New("leaderboard: member must not be empty")
	ErrNotFound         = errors.New("leaderboard: member not found")
)

// updateScript decays, increments and stores a member's score.
//
// exp(x) for x below -745 is a subnormal or zero in float64; the decayed
// score is pinned to 0 there so ranks never carry denormal noise. Elapsed
// time is clamped at 0 and the stored update time never moves backwards.
//
// KEYS[1] board, KEYS[2] member record
// ARGV    member, increment, decay rate (1/s), now (µs, optional), ttl (s)
var updateScript = redis.NewScript(`
local now
if ARGV[4] ~= '' then
  now = tonumber(ARGV[4])
else
  local t = redis.call('TIME')
  now = tonumber(t[1]) * 1000000 + tonumber(t[2])
end

local rec = redis.call('HMGET', KEYS[2], 'score', 'updated_at', 'total')
local last = tonumber(rec[1]) or 0
local updated = tonumber(rec[2]) or now
local total = tonumber(rec[3]) or 0
local inc = tonumber(ARGV[2])

local elapsed = (now - updated) / 1000000
if elapsed < 0 then
  elapsed = 0
  now = updated
end

local exponent = -tonumber(ARGV[3]) * elapsed
local decayed = 0
if last ~= 0 and exponent > -745 then
  decayed = last * math.exp(exponent)
end
if decayed ~= decayed then
  decayed = 0
end

local score = string.format('%.17g', decayed + inc)
local sum = string.format('%.17g', total + inc)
local stamp = string.format('%.0f', now)
redis.call('ZADD', KEYS[1], score, ARGV[1])
redis.call('HSET', KEYS[2], 'score', score, 'updated_at', stamp, 'total', sum)
redis.call('EXPIRE', KEYS[2], ARGV[5])
return {score, string.format('%.17g', decayed), sum, stamp}
`)

// Standing is a member's state after an update.
type Standing struct {
	Member string
	// Score is the decayed previous score plus the increment.
	Score float64
	// Decayed is the previous score after decay, before the increment.
	Decayed   float64
	Total     float64
	UpdatedAt time.Time
}

// Entry is one ranked row of a leaderboard.
type Entry struct {
	Rank   int64
	Member string
	Score  float64
}

// Board updates and queries decaying leaderboards.
type Board struct {
	exec *store.Executor
}

// New builds a Board and preloads its script.
func New(client store.Client, opts ...store.Option) (*Board, error) {
	exec := store.NewExecutor(client, "leaderboard", opts...)
	if err := exec.Connect(context.Background(), updateScript); err != nil {
		return nil, err
	}
	return &Board{exec: exec}, nil
}

func (b *Board) keys(name, member string) []string {
	board := b.exec.Key("leaderboard", name)
	return []string{board, board + ":member:" + member}
}

// Update decays member's score on the named board to now, adds increment
// and stores the result. decayRate is per second; 0 disables decay. A zero
// now uses the store clock. First-time members start from 0.
func (b *Board) Update(ctx context.Context, name, member string, increment, decayRate float64, now time.Time) (Standing, error) {
	if member == "" {
		return Standing{}, ErrEmptyMember
	}
	if math.IsNaN(increment) || math.IsInf(increment, 0) {
		return Standing{}, ErrInvalidIncrement
	}
	if decayRate < 0 || math.IsNaN(decayRate) || math.IsInf(decayRate, 0) {
		return Standing{}, ErrInvalidDecayRate
	}

	reply, err := b.exec.Run(ctx, updateScript, b.keys(name, member),
		member,
		formatFloat(increment),
		formatFloat(decayRate),
		store.MicrosArg(now),
		int64(MemberTTL/time.Second),
	)
	if err != nil {
		return Standing{}, err
	}
	values, err := store.Values(reply, 4)
	if err != nil {
		return Standing{}, err
	}

	s := Standing{
		Member:    member,
		Score:     store.Float64(values[0]),
		Decayed:   store.Float64(values[1]),
		Total:     store.Float64(values[2]),
		UpdatedAt: store.Micros(store.Int64(values[3])),
	}
	b.exec.Logger().Debug("Leaderboard updated",
		zap.String("board", name),
		zap.String("member", member),
		zap.Float64("score", s.Score))
	return s, nil
}

// Top returns the n highest-ranked members, best first. Rank starts at 1.
func (b *Board) Top(ctx context.Context, name string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []redis.Z
	err := b.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		rows, err = b.exec.Client().ZRevRangeWithScores(ctx, b.exec.Key("leaderboard", name), 0, int64(n-1)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(rows))
	for i, z := range rows {
		entries[i] = Entry{Rank: int64(i + 1), Member: store.String(z.Member), Score: z.Score}
	}
	return entries, nil
}

// Member returns the stored record for member. Score and UpdatedAt are as of
// the last update; Decayed is left zero.
func (b *Board) Member(ctx context.Context, name, member string) (Standing, error) {
	var rec []interface{}
	err := b.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = b.exec.Client().HMGet(ctx, b.keys(name, member)[1], "score", "updated_at", "total").Result()
		return err
	})
	if err != nil {
		return Standing{}, err
	}
	if len(rec) != 3 || rec[0] == nil {
		return Standing{}, ErrNotFound
	}
	return Standing{
		Member:    member,
		Score:     store.Float64(rec[0]),
		Total:     store.Float64(rec[2]),
		UpdatedAt: store.Micros(store.Int64(rec[1])),
	}, nil
}

// formatFloat renders f in exponent form when large. A plain decimal of 1e19
// or more does not survive tonumber in every script engine.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
