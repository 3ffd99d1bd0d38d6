package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Loader computes a fresh value for a cache id along with its TTL.
type Loader func(ctx context.Context) (value string, ttl time.Duration, err error)

// GetOrLoad composes Read, the loader and Populate:
//
//   - Fresh or Refreshing: the cached value is returned as is.
//   - RefreshNeeded: the stale value is returned at once and the loader runs
//     in the background, bounded by the marker TTL.
//   - LockAcquired: the loader runs inline and its value is written back.
//   - LockExists: ErrRefreshInFlight; the caller picks its own backoff.
//
// Concurrent calls for the same id inside this process share one Read, so
// only one of them reaches Redis. The shared call is detached from any one
// caller's context and bounded by the marker TTL instead; a caller whose ctx
// ends stops waiting with ctx.Err() while the others still get the value.
func (c *Coordinator) GetOrLoad(ctx context.Context, id string, refreshThreshold time.Duration, load Loader) (string, error) {
	ch := c.group.DoChan(id, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.markerTTL)
		defer cancel()
		return c.getOrLoad(shared, id, refreshThreshold, load)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) getOrLoad(ctx context.Context, id string, refreshThreshold time.Duration, load Loader) (string, error) {
	e, err := c.Read(ctx, id, refreshThreshold)
	if err != nil {
		return "", err
	}

	switch e.Status {
	case Fresh, Refreshing:
		return e.Value, nil
	case RefreshNeeded:
		go c.refresh(context.WithoutCancel(ctx), id, e.Token, load)
		return e.Value, nil
	case LockAcquired:
		return c.fill(ctx, id, e.Token, load)
	case LockExists:
		return "", ErrRefreshInFlight
	default:
		return "", fmt.Errorf("cache: unknown read status %q", e.Status)
	}
}

// fill runs the loader under a held marker and writes its value back. The
// marker is released on any failure so the next caller can retry at once.
func (c *Coordinator) fill(ctx context.Context, id, token string, load Loader) (string, error) {
	value, ttl, err := load(ctx)
	if err != nil {
		c.release(ctx, id, token)
		return "", err
	}
	if err := c.Populate(ctx, id, value, ttl, token); err != nil && !errors.Is(err, ErrNotMarkerOwner) {
		c.release(ctx, id, token)
		return "", err
	}
	return value, nil
}

func (c *Coordinator) release(ctx context.Context, id, token string) {
	if _, err := c.ReleaseMarker(ctx, id, token); err != nil {
		c.exec.Logger().Warn("Failed to release refresh marker", zap.String("id", id), zap.Error(err))
	}
}

func (c *Coordinator) refresh(ctx context.Context, id, token string, load Loader) {
	ctx, cancel := context.WithTimeout(ctx, c.markerTTL)
	defer cancel()

	if _, err := c.fill(ctx, id, token, load); err != nil {
		c.exec.Logger().Warn("Background refresh failed", zap.String("id", id), zap.Error(err))
	}
}
