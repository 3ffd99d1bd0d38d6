package leaderboard

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/manenim/redis-coord/internal/redistest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoard(t *testing.T) (*Board, *redistest.Server) {
	t.Helper()
	srv := redistest.New(t)
	b, err := New(srv.Client)
	require.NoError(t, err)
	return b, srv
}

func TestBoard_FirstUpdate(t *testing.T) {
	b, srv := newTestBoard(t)

	s, err := b.Update(context.Background(), "weekly", "alice", 10, 0.5, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Score)
	assert.Zero(t, s.Decayed)
	assert.Equal(t, 10.0, s.Total)
	assert.Equal(t, srv.Now().UnixMicro(), s.UpdatedAt.UnixMicro())

	score, err := srv.ZScore("leaderboard:weekly", "alice")
	require.NoError(t, err)
	assert.Equal(t, 10.0, score)
	assert.Equal(t, "10", srv.HGet("leaderboard:weekly:member:alice", "score"))
	assert.Equal(t, MemberTTL, srv.TTL("leaderboard:weekly:member:alice"))
}

func TestBoard_DecayCorrectness(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	t0 := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	const rate = 0.01

	_, err := b.Update(ctx, "b", "m", 10, rate, t0)
	require.NoError(t, err)

	t1 := t0.Add(30 * time.Second)
	s1, err := b.Update(ctx, "b", "m", 0, rate, t1)
	require.NoError(t, err)
	assert.InDelta(t, 10*math.Exp(-rate*30), s1.Score, 1e-9)

	t2 := t1.Add(250 * time.Millisecond)
	s2, err := b.Update(ctx, "b", "m", 0, rate, t2)
	require.NoError(t, err)
	assert.InDelta(t, s1.Score*math.Exp(-rate*0.25), s2.Score, 1e-9)
	assert.Equal(t, 10.0, s2.Total, "zero increments leave the lifetime total alone")
}

func TestBoard_DecayThenIncrement(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	t0 := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.Update(ctx, "b", "m", 8, math.Ln2/60, t0)
	require.NoError(t, err)

	// One half-life later.
	s, err := b.Update(ctx, "b", "m", 3, math.Ln2/60, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, s.Decayed, 1e-9)
	assert.InDelta(t, 7.0, s.Score, 1e-9)
	assert.Equal(t, 11.0, s.Total)
}

func TestBoard_VeryLargeElapsed(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	t0 := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.Update(ctx, "b", "m", 1e300, 1, t0)
	require.NoError(t, err)

	s, err := b.Update(ctx, "b", "m", 5, 1, t0.AddDate(25, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, s.Decayed)
	assert.Equal(t, 5.0, s.Score)
	assert.False(t, math.IsNaN(s.Score))
}

func TestBoard_LargeIncrement(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	t0 := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	s, err := b.Update(ctx, "b", "m", 1e19, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, 1e19, s.Score)

	s, err = b.Update(ctx, "b", "m", 1e20, 0, t0.Add(time.Second))
	require.NoError(t, err)
	assert.InDelta(t, 1.1e20, s.Score, 1e5)
	assert.InDelta(t, 1.1e20, s.Total, 1e5)
}

func TestBoard_NoDecay(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	t0 := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.Update(ctx, "b", "m", 2.5, 0, t0)
	require.NoError(t, err)
	s, err := b.Update(ctx, "b", "m", 2.5, 0, t0.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Score)
}

func TestBoard_ClockGoingBackwards(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	t0 := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.Update(ctx, "b", "m", 10, 1, t0)
	require.NoError(t, err)

	s, err := b.Update(ctx, "b", "m", 1, 1, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 11.0, s.Score, "negative elapsed time applies no decay")
	assert.Equal(t, t0.UnixMicro(), s.UpdatedAt.UnixMicro(), "update time never moves backwards")
}

func TestBoard_TopAndMember(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	at := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	for member, score := range map[string]float64{"ann": 30, "bob": 10, "cid": 20} {
		_, err := b.Update(ctx, "season", member, score, 0, at)
		require.NoError(t, err)
	}

	top, err := b.Top(ctx, "season", 2)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Rank: 1, Member: "ann", Score: 30},
		{Rank: 2, Member: "cid", Score: 20},
	}, top)

	m, err := b.Member(ctx, "season", "bob")
	require.NoError(t, err)
	assert.Equal(t, 10.0, m.Score)
	assert.Equal(t, 10.0, m.Total)
	assert.Equal(t, at.UnixMicro(), m.UpdatedAt.UnixMicro())

	_, err = b.Member(ctx, "season", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := b.Top(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBoard_ConcurrentIncrements(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	at := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Update(ctx, "b", "m", 1, 0.1, at)
		}()
	}
	wg.Wait()

	m, err := b.Member(ctx, "b", "m")
	require.NoError(t, err)
	assert.Equal(t, 40.0, m.Score)
	assert.Equal(t, 40.0, m.Total)
}

func TestBoard_Validation(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Update(ctx, "b", "", 1, 0, time.Time{})
	assert.ErrorIs(t, err, ErrEmptyMember)
	_, err = b.Update(ctx, "b", "m", math.NaN(), 0, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidIncrement)
	_, err = b.Update(ctx, "b", "m", 1, -0.1, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidDecayRate)
	_, err = b.Update(ctx, "b", "m", 1, math.Inf(1), time.Time{})
	assert.ErrorIs(t, err, ErrInvalidDecayRate)
}
