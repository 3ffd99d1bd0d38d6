package limiter

import (
	"context"
	"sync"
	"time"
)

type window struct {
	events []time.Time
	span   time.Duration
}

// idle reports whether every event in w has left its window.
func (w *window) idle(now time.Time) bool {
	n := len(w.events)
	return n == 0 || !w.events[n-1].After(now.Add(-w.span))
}

// MemoryLimiter is an in-process sliding-window limiter with the same
// semantics as RedisLimiter.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. Use RedisLimiter when you
// need a single global limit across multiple instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	// longest is the widest window seen; idle windows are swept at most
	// once per longest.
	longest time.Duration
	sweptAt time.Time
}

// NewMemoryLimiter constructs a MemoryLimiter with empty state.
func NewMemoryLimiter() *MemoryLimiter {
	return NewMemoryLimiterWithClock(time.Now)
}

// NewMemoryLimiterWithClock is NewMemoryLimiter with an injected clock.
func NewMemoryLimiterWithClock(now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     now,
	}
}

// Allow records an event for id if fewer than limit.Max events happened in
// the window ending now.
func (m *MemoryLimiter) Allow(ctx context.Context, id Identity, limit Limit) (Decision, error) {
	if err := limit.validate(); err != nil {
		return Decision{}, err
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now, limit.Window)

	key := id.Subject()
	w, exists := m.windows[key]
	if !exists {
		w = &window{}
		m.windows[key] = w
	}
	w.span = limit.Window

	cutoff := now.Add(-limit.Window)
	kept := w.events[:0]
	for _, ev := range w.events {
		if ev.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	w.events = kept

	count := int64(len(w.events))
	if count < limit.Max {
		w.events = append(w.events, now)
		return Decision{
			Allow:     true,
			Remaining: limit.Max - count - 1,
			ResetTime: now,
		}, nil
	}

	retryAfter := limit.Window
	if len(w.events) > 0 {
		retryAfter = w.events[0].Add(limit.Window).Sub(now)
	}
	if len(w.events) == 0 {
		delete(m.windows, key)
	}
	return Decision{
		Allow:      false,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetTime:  now.Add(retryAfter),
	}, nil
}

// sweep drops windows whose events have all expired, so identities that stop
// calling do not stay in memory.
func (m *MemoryLimiter) sweep(now time.Time, span time.Duration) {
	if span > m.longest {
		m.longest = span
	}
	if now.Sub(m.sweptAt) < m.longest {
		return
	}
	m.sweptAt = now
	for key, w := range m.windows {
		if w.idle(now) {
			delete(m.windows, key)
		}
	}
}
