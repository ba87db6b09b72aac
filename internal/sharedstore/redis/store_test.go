package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := Dial(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: "orch:"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, mr
}

func TestDialRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{})
	require.ErrorContains(t, err, "redis.addr")
}

func TestDialFailsFastWhenUnreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Dial(context.Background(), Config{Addr: addr})
	require.ErrorContains(t, err, "ping redis")
}

func TestStoreStringsWithTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestStore(t)

	ok, err := store.SetNX(ctx, "queue:lock", "1700000000", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("orch:queue:lock"))

	ok, err = store.SetNX(ctx, "queue:lock", "other", 30*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := store.Get(ctx, "queue:lock")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1700000000", v)

	mr.FastForward(31 * time.Minute)
	_, found, err = store.Get(ctx, "queue:lock")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "queue:current", "{}", 0))
	n, err := store.Delete(ctx, "queue:current", "queue:lock")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestStoreLists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	n, err := store.RPush(ctx, "queue:list", "a", "b", "c")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	removed, err := store.LRem(ctx, "queue:list", 1, "b")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	all, err := store.LRange(ctx, "queue:list", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, all)

	head, ok, err := store.LPop(ctx, "queue:list")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", head)

	length, err := store.LLen(ctx, "queue:list")
	require.NoError(t, err)
	require.EqualValues(t, 1, length)

	_, _, err = store.LPop(ctx, "queue:list")
	require.NoError(t, err)
	_, ok, err = store.LPop(ctx, "queue:list")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewWrapsExistingClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := New(client, "")
	require.NoError(t, store.Set(context.Background(), "k", "v", time.Second))
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
	require.NoError(t, store.Close())
}
