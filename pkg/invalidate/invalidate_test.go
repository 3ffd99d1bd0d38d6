package invalidate

import (
	"context"
	"fmt"
	"testing"

	"github.com/manenim/redis-coord/internal/redistest"
	"github.com/manenim/redis-coord/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, srv *redistest.Server, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, srv.Set(k, "v"))
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "plain-id", Escape("plain-id"))
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, Escape(`a*b?c[d]e\f`))
}

func TestUserPatterns(t *testing.T) {
	assert.Equal(t, []string{
		"cache:user:42:*",
		"cache:financial_summary:42",
		"cache:analytics:42:*",
		"cache:account:7:*",
	}, UserPatterns("42", "7"))

	assert.Equal(t, []string{"cache:account:7:*"}, UserPatterns("", "7"))
	assert.Empty(t, UserPatterns("", ""))
}

func TestInvalidateFor(t *testing.T) {
	srv := redistest.New(t)
	inv, err := New(srv.Client)
	require.NoError(t, err)

	seed(t, srv,
		"cache:user:42:profile",
		"cache:user:42:prefs",
		"cache:account:7:balances",
		"cache:financial_summary:42",
		"cache:analytics:42:monthly",
		"cache:report:42:q1",
		// untouched
		"cache:user:420:profile",
		"cache:financial_summary:420",
		"cache:account:70:balances",
		"session:abc",
	)

	n, err := inv.InvalidateFor(context.Background(), "42", "7", "cache:report:42:*")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	assert.False(t, srv.Exists("cache:user:42:profile"))
	assert.False(t, srv.Exists("cache:report:42:q1"))
	assert.True(t, srv.Exists("cache:user:420:profile"))
	assert.True(t, srv.Exists("cache:financial_summary:420"))
	assert.True(t, srv.Exists("cache:account:70:balances"))
	assert.True(t, srv.Exists("session:abc"))
}

func TestInvalidateFor_NothingToDelete(t *testing.T) {
	srv := redistest.New(t)
	inv, err := New(srv.Client)
	require.NoError(t, err)

	n, err := inv.InvalidateFor(context.Background(), "42", "7")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvalidateFor_EscapesIDs(t *testing.T) {
	srv := redistest.New(t)
	inv, err := New(srv.Client)
	require.NoError(t, err)

	seed(t, srv, "cache:user:1*:a", "cache:user:12:a", "cache:user:1x:a")

	n, err := inv.InvalidateFor(context.Background(), "1*", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, srv.Exists("cache:user:1*:a"))
	assert.True(t, srv.Exists("cache:user:12:a"))
	assert.True(t, srv.Exists("cache:user:1x:a"))
}

func TestInvalidatePatterns_ManyBatches(t *testing.T) {
	srv := redistest.New(t)
	inv, err := New(srv.Client)
	require.NoError(t, err)

	for i := 0; i < 350; i++ {
		seed(t, srv, fmt.Sprintf("cache:user:9:item:%d", i))
	}
	seed(t, srv, "cache:user:8:item:0")

	// Overlapping and repeated patterns do not double count.
	n, err := inv.InvalidatePatterns(context.Background(), "cache:user:9:*", "cache:user:9:item:*", "cache:user:9:*", "")
	require.NoError(t, err)
	assert.Equal(t, int64(350), n)
	assert.Equal(t, []string{"cache:user:8:item:0"}, srv.Keys())
}

func TestInvalidateFor_ResolvesKeySetBeforeDeleting(t *testing.T) {
	srv := redistest.New(t)
	inv, err := New(srv.Client)
	require.NoError(t, err)

	// More than two SCAN pages under a single pattern.
	for i := 0; i < 250; i++ {
		seed(t, srv, fmt.Sprintf("cache:user:7:item:%d", i))
	}

	n, err := inv.InvalidateFor(context.Background(), "7", "")
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
	assert.Empty(t, srv.Keys())
}

func TestInvalidatePatterns_Namespace(t *testing.T) {
	srv := redistest.New(t)
	inv, err := New(srv.Client, store.WithNamespace("tenant[a]:"))
	require.NoError(t, err)

	seed(t, srv, "tenant[a]:cache:user:1:x", "tenanta:cache:user:1:x", "cache:user:1:x")

	n, err := inv.InvalidateFor(context.Background(), "1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, srv.Exists("tenant[a]:cache:user:1:x"))
	assert.True(t, srv.Exists("tenanta:cache:user:1:x"))
	assert.True(t, srv.Exists("cache:user:1:x"))
}

func TestInvalidatePatterns_StoreDown(t *testing.T) {
	srv := redistest.New(t)
	inv, err := New(srv.Client)
	require.NoError(t, err)

	srv.Close()

	_, err = inv.InvalidatePatterns(context.Background(), "cache:*")
	require.Error(t, err)
}

func TestNew_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	_, err := New(client)
	require.Error(t, err)
}
