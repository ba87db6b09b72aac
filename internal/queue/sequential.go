// Package queue implements the fleet-wide sequential job queue: a FIFO list
// plus a TTL-bounded processing lock in the shared store, guaranteeing at most
// one active automation session and draining itself as jobs complete.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/metrics"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

// Shared-store keys.
const (
	ListKey    = "queue:list"
	LockKey    = "queue:lock"
	CurrentKey = "queue:current"
)

// DefaultLockTTL is the safety ceiling on how long one job may hold the lock.
const DefaultLockTTL = 30 * time.Minute

// Starter launches an entry and begins tracking it, returning the job handle.
type Starter interface {
	Start(ctx context.Context, entry orchestrator.QueueEntry) (string, error)
}

// Config tunes the queue.
type Config struct {
	LockTTL time.Duration
}

// Queue is the SequentialJobQueue.
type Queue struct {
	store  orchestrator.SharedStore
	clock  orchestrator.Clock
	ids    orchestrator.IDGenerator
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	starter  Starter
	validate Validator
}

// Validator checks a job type and its options before anything is queued.
type Validator func(jobType string, options map[string]any) error

// New creates a Queue. A Starter must be attached with SetStarter before entries can launch.
func New(
	store orchestrator.SharedStore,
	clock orchestrator.Clock,
	ids orchestrator.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Queue {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, clock: clock, ids: ids, ttl: ttl, logger: logger}
}

// SetStarter attaches the component that launches popped entries.
func (q *Queue) SetStarter(s Starter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.starter = s
}

// SetValidator installs the check Enqueue runs before touching the store.
func (q *Queue) SetValidator(fn Validator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.validate = fn
}

// Enqueue appends a new entry and, when no lock is held, tries to start it
// immediately from the caller's context. It returns the new job ID.
func (q *Queue) Enqueue(ctx context.Context, targetID, jobType string, options map[string]any) (string, error) {
	if strings.TrimSpace(targetID) == "" {
		return "", &orchestrator.ConfigurationError{Field: "target_id", Reason: "is required"}
	}
	if strings.TrimSpace(jobType) == "" {
		return "", &orchestrator.ConfigurationError{Field: "job_type", Reason: "is required"}
	}
	q.mu.RLock()
	validate := q.validate
	q.mu.RUnlock()
	if validate != nil {
		if err := validate(jobType, options); err != nil {
			return "", err
		}
	}

	jobID, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	entry := orchestrator.QueueEntry{
		JobID:      jobID,
		TargetID:   targetID,
		JobType:    jobType,
		EnqueuedAt: q.clock.Now(),
		Options:    options,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode queue entry: %w", err)
	}
	length, err := q.store.RPush(ctx, ListKey, string(raw))
	if err != nil {
		return "", fmt.Errorf("push queue entry: %w", err)
	}
	metrics.ObserveEnqueue(jobType)
	metrics.SetQueueLength(length)

	_, held, err := q.store.Get(ctx, LockKey)
	if err != nil {
		q.logger.Warn("lock check failed after enqueue", zap.String("job_id", jobID), zap.Error(err))
		return jobID, nil
	}
	if held {
		q.logger.Info("job queued behind active job",
			zap.String("job_id", jobID),
			zap.String("target_id", targetID),
			zap.Int64("queue_length", length),
		)
		return jobID, nil
	}
	if _, err := q.ProcessNext(ctx); err != nil {
		q.logger.Error("process next after enqueue failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return jobID, nil
}

// ProcessNext acquires the lock, pops the head entry, and hands it to the
// Starter. It reports whether a job was started. Entries whose launch fails
// are dropped, the lock is released, and the next entry is tried.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	q.mu.RLock()
	starter := q.starter
	q.mu.RUnlock()
	if starter == nil {
		return false, errors.New("no starter attached to queue")
	}
	for {
		acquired, err := q.acquireLock(ctx)
		if err != nil {
			return false, err
		}
		if !acquired {
			return false, nil
		}

		raw, ok, err := q.store.LPop(ctx, ListKey)
		if err != nil {
			q.release(ctx)
			return false, fmt.Errorf("pop queue entry: %w", err)
		}
		if !ok {
			q.release(ctx)
			metrics.SetQueueLength(0)
			return false, nil
		}

		var entry orchestrator.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.logger.Error("dropping unreadable queue entry", zap.String("raw", raw), zap.Error(err))
			q.release(ctx)
			continue
		}
		if err := q.store.Set(ctx, CurrentKey, raw, q.ttl); err != nil {
			q.release(ctx)
			return false, fmt.Errorf("record current job: %w", err)
		}

		handle, err := starter.Start(ctx, entry)
		if err != nil {
			q.logger.Error("launch failed, advancing queue",
				zap.String("job_id", entry.JobID),
				zap.String("target_id", entry.TargetID),
				zap.String("job_type", entry.JobType),
				zap.Error(err),
			)
			q.release(ctx)
			if ctx.Err() != nil {
				return false, fmt.Errorf("process next: %w", ctx.Err())
			}
			continue
		}
		q.logger.Info("job started",
			zap.String("job_id", entry.JobID),
			zap.String("handle", handle),
			zap.String("target_id", entry.TargetID),
		)
		return true, nil
	}
}

// acquireLock sets the lock if absent. A lock older than the TTL is treated as
// abandoned, cleared, and acquisition is retried once. A lock released between
// SetNX and the read is simply retried.
func (q *Queue) acquireLock(ctx context.Context) (bool, error) {
	now := q.clock.Now()
	stamp := strconv.FormatInt(now.Unix(), 10)
	ok, err := q.store.SetNX(ctx, LockKey, stamp, q.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if ok {
		return true, nil
	}

	acquiredAt, held, err := q.lockTime(ctx)
	if err != nil {
		return false, err
	}
	if !held {
		// Released between the two reads.
		ok, err = q.store.SetNX(ctx, LockKey, stamp, q.ttl)
		if err != nil {
			return false, fmt.Errorf("acquire lock: %w", err)
		}
		return ok, nil
	}
	if now.Sub(acquiredAt) <= q.ttl {
		return false, nil
	}
	q.logger.Warn("clearing stale processing lock", zap.Time("acquired_at", acquiredAt), zap.Duration("ttl", q.ttl))
	metrics.ObserveStaleLock()
	if _, err := q.store.Delete(ctx, LockKey, CurrentKey); err != nil {
		return false, fmt.Errorf("clear stale lock: %w", err)
	}
	ok, err = q.store.SetNX(ctx, LockKey, stamp, q.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// lockTime returns the lock's acquisition time. An unparsable value reads as the epoch.
func (q *Queue) lockTime(ctx context.Context) (time.Time, bool, error) {
	raw, held, err := q.store.Get(ctx, LockKey)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read lock: %w", err)
	}
	if !held {
		return time.Time{}, false, nil
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Unix(0, 0).UTC(), true, nil
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

func (q *Queue) release(ctx context.Context) {
	if _, err := q.store.Delete(ctx, LockKey, CurrentKey); err != nil {
		q.logger.Error("release lock failed", zap.Error(err))
	}
}

// JobCompleted releases the lock and starts the next entry if any are queued.
// It reports whether a next job was started.
func (q *Queue) JobCompleted(ctx context.Context, handle string, status orchestrator.JobStatus) (bool, error) {
	q.logger.Info("job completed", zap.String("handle", handle), zap.String("status", string(status)))
	if _, err := q.store.Delete(ctx, LockKey, CurrentKey); err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	length, err := q.store.LLen(ctx, ListKey)
	if err != nil {
		return false, fmt.Errorf("queue length: %w", err)
	}
	metrics.SetQueueLength(length)
	if length == 0 {
		return false, nil
	}
	started, err := q.ProcessNext(ctx)
	if err != nil {
		return false, err
	}
	q.logger.Info("queue advanced", zap.Bool("next_started", started))
	return started, nil
}
