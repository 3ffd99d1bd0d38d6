package limiter

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidWindow is returned for a non-positive window.
	ErrInvalidWindow = errors.New("limiter: window must be positive")
	// ErrInvalidLimit is returned for a negative limit.
	ErrInvalidLimit = errors.New("limiter: limit must not be negative")
)

type Namespace string

// Limit bounds accepted events to Max per rolling Window.
type Limit struct {
	Max    int64
	Window time.Duration
}

func (l Limit) validate() error {
	if l.Window <= 0 {
		return ErrInvalidWindow
	}
	if l.Max < 0 {
		return ErrInvalidLimit
	}
	return nil
}

type Decision struct {
	Allow      bool
	Remaining  int64
	RetryAfter time.Duration
	ResetTime  time.Time
}

type Identity struct {
	Namespace Namespace
	Key       string
}

// Subject renders the identity as it appears in the store key.
func (id Identity) Subject() string {
	if id.Namespace == "" {
		return id.Key
	}
	return string(id.Namespace) + ":" + id.Key
}

type RateLimiter interface {
	Allow(ctx context.Context, id Identity, limit Limit) (Decision, error)
}
