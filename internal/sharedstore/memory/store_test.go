package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/automation-orchestrator/internal/clock/fake"
)

func TestStoreSetNXHonoursTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := fake.New(time.Unix(1700000000, 0))
	store := New(clk)

	ok, err := store.SetNX(ctx, "queue:lock", "1", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetNX(ctx, "queue:lock", "2", 30*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	clk.Advance(30 * time.Minute)
	_, found, err := store.Get(ctx, "queue:lock")
	require.NoError(t, err)
	require.False(t, found)

	ok, err = store.SetNX(ctx, "queue:lock", "3", 0)
	require.NoError(t, err)
	require.True(t, ok)
	clk.Advance(24 * time.Hour)
	v, found, err := store.Get(ctx, "queue:lock")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "3", v)
}

func TestStoreListOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New(fake.New(time.Unix(0, 0)))

	n, err := store.RPush(ctx, "queue:list", "a", "b", "c", "b")
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	all, err := store.LRange(ctx, "queue:list", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "b"}, all)

	tail, err := store.LRange(ctx, "queue:list", -2, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, tail)

	removed, err := store.LRem(ctx, "queue:list", 1, "b")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	head, ok, err := store.LPop(ctx, "queue:list")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", head)

	length, err := store.LLen(ctx, "queue:list")
	require.NoError(t, err)
	require.EqualValues(t, 2, length)

	deleted, err := store.Delete(ctx, "queue:list", "missing")
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, ok, err = store.LPop(ctx, "queue:list")
	require.NoError(t, err)
	require.False(t, ok)

	empty, err := store.LRange(ctx, "queue:list", 0, -1)
	require.NoError(t, err)
	require.Empty(t, empty)
}
