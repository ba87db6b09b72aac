package tracker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

// Sweep fails every non-terminal job started longer than the job timeout ago
// and returns how many it finished. It recovers sessions whose polls and
// webhooks were both lost. Jobs that already finished but whose terminal
// write was lost are only re-persisted; the queue is not told twice.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	cutoff := t.Clock.Now().Add(-t.cfg.JobTimeout)
	stuck, err := t.Jobs.ListActive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	if len(stuck) > 0 {
		t.logger.Info("sweeping stuck jobs", zap.Int("count", len(stuck)))
	}
	finished := 0
	for _, job := range stuck {
		if job.Handle == "" {
			continue
		}
		if status, ok := t.completedStatus(ctx, job.Handle); ok {
			t.repair(ctx, job, status)
			continue
		}
		t.logger.Warn("timing out stuck job",
			zap.String("job_id", job.JobID),
			zap.String("handle", job.Handle),
			zap.String("target_id", job.TargetID),
		)
		if t.finish(ctx, job, "sweep", func(context.Context) orchestrator.Completion {
			return t.timeoutCompletion()
		}) {
			finished++
		}
	}
	return finished, nil
}

// repair re-applies the terminal status recorded on a finished handle's claim.
func (t *Tracker) repair(ctx context.Context, job orchestrator.JobRecord, status orchestrator.JobStatus) {
	logger := t.logger.With(zap.String("job_id", job.JobID), zap.String("handle", job.Handle))
	if !status.Terminal() {
		logger.Warn("completion marker carries non-terminal status", zap.String("status", string(status)))
		return
	}
	applied, err := t.Jobs.CompleteJob(ctx, job.Handle, orchestrator.Completion{
		Status:      status,
		Metadata:    map[string]any{"completed_by": "sweep", "repaired": true},
		CompletedAt: t.Clock.Now(),
	})
	if err != nil {
		logger.Error("repair completed job failed", zap.Error(err))
		return
	}
	if applied {
		logger.Info("repaired completed job record", zap.String("status", string(status)))
	}
}
