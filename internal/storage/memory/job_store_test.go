package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	job := orchestrator.JobRecord{
		JobID:     "job-1",
		Handle:    "c-1",
		TargetID:  "A",
		JobType:   "profile_extraction",
		Status:    orchestrator.JobStatusPending,
		Metadata:  map[string]any{"handle": "c-1"},
		StartedAt: started,
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	require.NoError(t, store.UpdateStatus(ctx, "c-1", orchestrator.JobStatusRunning, map[string]any{"runner_status": "running"}))
	got, err := store.GetJobByHandle(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobStatusRunning, got.Status)
	require.Equal(t, "running", got.Metadata["runner_status"])
	require.Equal(t, "c-1", got.Metadata["handle"])

	got.Metadata["mutated"] = true
	again, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotContains(t, again.Metadata, "mutated")

	done := started.Add(5 * time.Minute)
	applied, err := store.CompleteJob(ctx, "c-1", orchestrator.Completion{
		Status:      orchestrator.JobStatusSuccess,
		Metadata:    map[string]any{"result_count": 3},
		CompletedAt: done,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.CompleteJob(ctx, "c-1", orchestrator.Completion{Status: orchestrator.JobStatusFailed, CompletedAt: done})
	require.NoError(t, err)
	require.False(t, applied)

	require.NoError(t, store.UpdateStatus(ctx, "c-1", orchestrator.JobStatusRunning, nil))
	final, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobStatusSuccess, final.Status)
	require.Equal(t, 3, final.Metadata["result_count"])
	require.Equal(t, done, *final.CompletedAt)
}

func TestJobStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()

	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
	_, err = store.GetJobByHandle(ctx, "missing")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
	require.ErrorIs(t, store.UpdateStatus(ctx, "missing", orchestrator.JobStatusRunning, nil), orchestrator.ErrNotFound)
	_, err = store.CompleteJob(ctx, "missing", orchestrator.Completion{Status: orchestrator.JobStatusFailed})
	require.ErrorIs(t, err, orchestrator.ErrNotFound)

	require.Error(t, store.UpdateStatus(ctx, "h", orchestrator.JobStatusSuccess, nil))
	_, err = store.CompleteJob(ctx, "h", orchestrator.Completion{Status: orchestrator.JobStatusRunning})
	require.Error(t, err)
}

func TestJobStoreListActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateJob(ctx, orchestrator.JobRecord{JobID: "old", Handle: "h-old", Status: orchestrator.JobStatusPending, StartedAt: base}))
	require.NoError(t, store.CreateJob(ctx, orchestrator.JobRecord{JobID: "older", Handle: "h-older", Status: orchestrator.JobStatusRunning, StartedAt: base.Add(-time.Hour)}))
	require.NoError(t, store.CreateJob(ctx, orchestrator.JobRecord{JobID: "new", Handle: "h-new", Status: orchestrator.JobStatusPending, StartedAt: base.Add(time.Hour)}))
	require.NoError(t, store.CreateJob(ctx, orchestrator.JobRecord{JobID: "done", Handle: "h-done", Status: orchestrator.JobStatusFailed, StartedAt: base.Add(-2 * time.Hour)}))
	require.NoError(t, store.CreateJob(ctx, orchestrator.JobRecord{JobID: "no-handle", Status: orchestrator.JobStatusFailed, StartedAt: base}))

	active, err := store.ListActive(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "older", active[0].JobID)
	require.Equal(t, "old", active[1].JobID)
}
