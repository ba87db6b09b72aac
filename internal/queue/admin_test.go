package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdminQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.RPush(ctx, ListKey,
		mustEntry(t, "job-1", "A"),
		mustEntry(t, "job-2", "B"),
		mustEntry(t, "job-3", "A"),
	)
	require.NoError(t, err)

	contents, err := f.queue.Contents(ctx)
	require.NoError(t, err)
	require.Len(t, contents, 3)
	require.Equal(t, "job-1", contents[0].JobID)

	has, err := f.queue.HasJobsFor(ctx, "B")
	require.NoError(t, err)
	require.True(t, has)
	has, err = f.queue.HasJobsFor(ctx, "Z")
	require.NoError(t, err)
	require.False(t, has)

	pos, found, err := f.queue.PositionOf(ctx, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, pos)
	pos, found, err = f.queue.PositionOf(ctx, "B")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, pos)

	status, err := f.queue.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, status.Length)
	require.False(t, status.Processing)
	require.Nil(t, status.Current)
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.RPush(ctx, ListKey, mustEntry(t, "job-1", "A"), mustEntry(t, "job-2", "B"))
	require.NoError(t, err)

	removed, err := f.queue.RemoveJob(ctx, "job-2")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = f.queue.RemoveJob(ctx, "job-2")
	require.NoError(t, err)
	require.False(t, removed)

	contents, err := f.queue.Contents(ctx)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	require.Equal(t, "job-1", contents[0].JobID)
}

func TestClearAndForceRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.queue.Enqueue(ctx, "A", "profile_extraction", nil)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, "B", "profile_extraction", nil)
	require.NoError(t, err)

	require.NoError(t, f.queue.ForceReleaseLock(ctx))
	require.False(t, f.lockHeld(t))
	status, err := f.queue.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Length)
	require.Nil(t, status.Current)

	_, err = f.queue.Enqueue(ctx, "C", "profile_extraction", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, f.starter.targets())

	removed, err := f.queue.Clear(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)
	status, err = f.queue.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, status.Length)
	require.False(t, status.Processing)
}
