package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

// Status returns the queue length, lock state, and current job.
func (q *Queue) Status(ctx context.Context) (orchestrator.QueueStatus, error) {
	length, err := q.store.LLen(ctx, ListKey)
	if err != nil {
		return orchestrator.QueueStatus{}, fmt.Errorf("queue length: %w", err)
	}
	status := orchestrator.QueueStatus{Length: length}

	acquiredAt, held, err := q.lockTime(ctx)
	if err != nil {
		return orchestrator.QueueStatus{}, err
	}
	if held {
		status.Processing = true
		status.LockAcquiredAt = &acquiredAt
		status.LockAge = q.clock.Now().Sub(acquiredAt).String()
	}

	raw, ok, err := q.store.Get(ctx, CurrentKey)
	if err != nil {
		return orchestrator.QueueStatus{}, fmt.Errorf("read current job: %w", err)
	}
	if ok {
		var current orchestrator.QueueEntry
		if err := json.Unmarshal([]byte(raw), &current); err == nil {
			status.Current = &current
		}
	}
	return status, nil
}

type rawEntry struct {
	raw   string
	entry orchestrator.QueueEntry
}

func (q *Queue) scan(ctx context.Context) ([]rawEntry, error) {
	items, err := q.store.LRange(ctx, ListKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	out := make([]rawEntry, 0, len(items))
	for _, raw := range items {
		var entry orchestrator.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.logger.Warn("skipping unreadable queue entry", zap.Error(err))
			continue
		}
		out = append(out, rawEntry{raw: raw, entry: entry})
	}
	return out, nil
}

// Contents lists the waiting entries in FIFO order.
func (q *Queue) Contents(ctx context.Context) ([]orchestrator.QueueEntry, error) {
	items, err := q.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.QueueEntry, len(items))
	for i, item := range items {
		out[i] = item.entry
	}
	return out, nil
}

// HasJobsFor reports whether any waiting entry targets targetID.
func (q *Queue) HasJobsFor(ctx context.Context, targetID string) (bool, error) {
	_, found, err := q.PositionOf(ctx, targetID)
	return found, err
}

// PositionOf returns the 1-based position of the first entry for targetID.
func (q *Queue) PositionOf(ctx context.Context, targetID string) (int, bool, error) {
	items, err := q.scan(ctx)
	if err != nil {
		return 0, false, err
	}
	for i, item := range items {
		if item.entry.TargetID == targetID {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

// Clear deletes the list, lock, and current job, returning the number of keys removed.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	n, err := q.store.Delete(ctx, ListKey, LockKey, CurrentKey)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	q.logger.Warn("queue cleared", zap.Int64("keys_removed", n))
	return n, nil
}

// ForceReleaseLock deletes the lock and current job without advancing the queue.
func (q *Queue) ForceReleaseLock(ctx context.Context) error {
	if _, err := q.store.Delete(ctx, LockKey, CurrentKey); err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}
	q.logger.Warn("processing lock force released")
	return nil
}

// RemoveJob deletes the waiting entry with jobID. It removes the exact stored
// element found by the scan, so an entry popped concurrently is reported as not removed.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) (bool, error) {
	items, err := q.scan(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.entry.JobID != jobID {
			continue
		}
		n, err := q.store.LRem(ctx, ListKey, 1, item.raw)
		if err != nil {
			return false, fmt.Errorf("remove job %s: %w", jobID, err)
		}
		if n > 0 {
			q.logger.Info("job removed from queue", zap.String("job_id", jobID))
		}
		return n > 0, nil
	}
	return false, nil
}
