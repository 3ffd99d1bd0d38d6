// Package invalidate removes cached keys in bulk by glob pattern.
//
// Each pattern's key set is resolved first by running SCAN MATCH to the end
// of the keyspace, then deleted in batches. Deleting while a scan is still
// in flight can make the scan skip keys, so no DEL is issued until the
// cursor returns to zero. Invalidation is best-effort: a writer can recreate
// a matching key between the SCAN and the DEL, or after the DEL. Patterns
// are processed concurrently and independently; a failure on one pattern
// does not stop the others.
package invalidate

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/manenim/redis-coord/pkg/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultScanBatchSize is the COUNT hint passed to SCAN and the number of
// keys per DEL.
const DefaultScanBatchSize = 100

// Invalidator deletes keys matching patterns.
type Invalidator struct {
	exec  *store.Executor
	batch int64
}

// New builds an Invalidator and checks the store is reachable.
func New(client store.Client, opts ...store.Option) (*Invalidator, error) {
	exec := store.NewExecutor(client, "invalidate", opts...)
	if err := exec.Connect(context.Background()); err != nil {
		return nil, err
	}
	return &Invalidator{exec: exec, batch: DefaultScanBatchSize}, nil
}

// Escape quotes the glob metacharacters in s so it matches only itself.
func Escape(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UserPatterns returns the cache patterns owned by a user and account:
//
//	cache:user:{userID}:*
//	cache:account:{accountID}:*
//	cache:financial_summary:{userID}
//	cache:analytics:{userID}:*
//
// Ids are escaped. An empty id contributes no patterns.
func UserPatterns(userID, accountID string) []string {
	var patterns []string
	if userID != "" {
		u := Escape(userID)
		patterns = append(patterns,
			"cache:user:"+u+":*",
			"cache:financial_summary:"+u,
			"cache:analytics:"+u+":*",
		)
	}
	if accountID != "" {
		patterns = append(patterns, "cache:account:"+Escape(accountID)+":*")
	}
	return patterns
}

// InvalidateFor deletes every cached key of userID and accountID plus any key
// matching extra, returning how many keys were deleted. Extra patterns are
// used as given.
func (i *Invalidator) InvalidateFor(ctx context.Context, userID, accountID string, extra ...string) (int64, error) {
	patterns := append(UserPatterns(userID, accountID), extra...)
	return i.InvalidatePatterns(ctx, patterns...)
}

// InvalidatePatterns deletes every key matching any of patterns. On error
// the count of keys deleted so far is still returned.
func (i *Invalidator) InvalidatePatterns(ctx context.Context, patterns ...string) (int64, error) {
	var deleted atomic.Int64
	var g errgroup.Group

	prefix := Escape(i.exec.Key())
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}

		pattern := prefix + p
		g.Go(func() error {
			n, err := i.deletePattern(ctx, pattern)
			deleted.Add(n)
			return err
		})
	}

	err := g.Wait()
	total := deleted.Load()
	i.exec.Logger().Info("Invalidated cache keys",
		zap.Strings("patterns", patterns),
		zap.Int64("deleted_count", total),
		zap.Error(err))
	return total, err
}

func (i *Invalidator) deletePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := i.scanAll(ctx, pattern)
	if err != nil {
		return 0, err
	}

	client := i.exec.Client()
	var deleted int64
	for len(keys) > 0 {
		chunk := keys
		if int64(len(chunk)) > i.batch {
			chunk = chunk[:i.batch]
		}
		keys = keys[len(chunk):]

		var n int64
		err := i.exec.Do(ctx, func(ctx context.Context) error {
			var err error
			n, err = client.Del(ctx, chunk...).Result()
			return err
		})
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// scanAll returns every key matching pattern. SCAN may report a key more
// than once, so the result is deduplicated.
func (i *Invalidator) scanAll(ctx context.Context, pattern string) ([]string, error) {
	client := i.exec.Client()
	seen := make(map[string]struct{})
	var all []string
	var cursor uint64

	for {
		var keys []string
		err := i.exec.Do(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = client.Scan(ctx, cursor, pattern, i.batch).Result()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			all = append(all, k)
		}
		if cursor == 0 {
			return all, nil
		}
	}
}
