package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// KeepAlive renews holder's lease every interval until ctx is done.
//
// The returned channel is the acknowledgement path: it receives ErrLockLost
// when another holder owns the lock at renewal time, or the store error when
// a renewal fails, and is closed when the loop stops. A clean stop (ctx done)
// closes it without sending. Callers should stop the protected work as soon
// as anything arrives.
//
// KeepAlive does not take the lock; call Acquire first.
func (l *Locker) KeepAlive(ctx context.Context, name, holder string, lease, interval time.Duration) <-chan error {
	errc := make(chan error, 1)
	if interval <= 0 || interval >= lease {
		errc <- errors.New("lock: keep-alive interval must be positive and shorter than the lease")
		close(errc)
		return errc
	}

	go func() {
		defer close(errc)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			res, err := l.AcquireWithInterval(ctx, name, holder, lease, interval)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.exec.Logger().Warn("Lock renewal failed",
					zap.String("lock", name),
					zap.String("holder", holder),
					zap.Error(err))
				errc <- err
				return
			}
			if !res.Held() {
				l.exec.Logger().Warn("Lock lost during keep-alive",
					zap.String("lock", name),
					zap.String("holder", holder),
					zap.String("current_holder", res.Holder))
				errc <- ErrLockLost
				return
			}
		}
	}()

	return errc
}
