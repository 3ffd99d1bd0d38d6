// Package redistest provides an in-process Redis for package tests.
//
// The server runs the same Lua scripts as a real Redis. Its clock is pinned so
// TIME-dependent scripts are deterministic; Advance moves the clock and
// expires keys together.
package redistest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Epoch is the server time every Server starts at.
var Epoch = time.Date(2026, time.March, 4, 10, 30, 15, 0, time.UTC)

// Server is a miniredis instance with a client attached.
type Server struct {
	*miniredis.Miniredis
	Client *redis.Client

	now time.Time
}

// New starts a server for the duration of t.
func New(t testing.TB) *Server {
	t.Helper()

	mr := miniredis.RunT(t)
	mr.SetTime(Epoch)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &Server{Miniredis: mr, Client: client, now: Epoch}
}

// Now returns the server clock.
func (s *Server) Now() time.Time {
	return s.now
}

// Advance moves the server clock forward by d and expires keys whose TTL
// ran out in that interval.
func (s *Server) Advance(d time.Duration) {
	s.now = s.now.Add(d)
	s.SetTime(s.now)
	s.FastForward(d)
}
