package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/automation-orchestrator/internal/clock/fake"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/automation-orchestrator/internal/queue"
	"github.com/JakeFAU/automation-orchestrator/internal/scheduler"
	"github.com/JakeFAU/automation-orchestrator/internal/sharedstore/memory"
	storemem "github.com/JakeFAU/automation-orchestrator/internal/storage/memory"
)

type counterIDs struct{ n atomic.Int64 }

func (c *counterIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", c.n.Add(1)), nil
}

func TestQueueDrainsThroughWebhooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := fake.New(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New(clk)
	jobs := storemem.NewJobStore()
	sched := scheduler.NewManual()
	run := &fakeRunner{
		status:  "running",
		output:  successOutput,
		results: []json.RawMessage{json.RawMessage(`{"id":1}`)},
	}

	q := queue.New(store, clk, &counterIDs{}, queue.Config{}, nil)
	tr, err := New(Deps{
		Launcher:  &fakeLauncher{},
		Runner:    run,
		Jobs:      jobs,
		Store:     store,
		Queue:     q,
		Scheduler: sched,
		Clock:     clk,
	}, Config{}, nil)
	require.NoError(t, err)
	q.SetStarter(tr)

	for _, target := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, target, "profile_extraction", nil)
		require.NoError(t, err)
	}
	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, status.Length)
	require.Equal(t, "A", status.Current.TargetID)

	for _, target := range []string{"A", "B", "C"} {
		d, err := tr.HandleNotification(ctx, "c-"+target, "finished")
		require.NoError(t, err)
		require.Equal(t, DispositionCompleted, d)
		job, err := jobs.GetJobByHandle(ctx, "c-"+target)
		require.NoError(t, err)
		require.Equal(t, orchestrator.JobStatusSuccess, job.Status)
	}

	status, err = q.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, status.Length)
	require.False(t, status.Processing)

	for {
		if _, ok := sched.RunNext(ctx); !ok {
			break
		}
	}
	statusCalls, _ := run.calls()
	require.Zero(t, statusCalls)
}
