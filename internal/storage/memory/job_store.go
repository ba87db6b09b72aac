package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

// JobStore keeps JobRecords in memory for development and tests.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]orchestrator.JobRecord
	byHandle map[string]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:     make(map[string]orchestrator.JobRecord),
		byHandle: make(map[string]string),
	}
}

// CreateJob stores a new record.
func (s *JobStore) CreateJob(_ context.Context, job orchestrator.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	if job.Handle != "" {
		if _, exists := s.byHandle[job.Handle]; exists {
			return fmt.Errorf("handle %s already tracked", job.Handle)
		}
		s.byHandle[job.Handle] = job.JobID
	}
	s.jobs[job.JobID] = clone(job)
	return nil
}

// GetJob returns the record for jobID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (orchestrator.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return orchestrator.JobRecord{}, orchestrator.ErrNotFound
	}
	return clone(job), nil
}

// GetJobByHandle returns the record tracking handle.
func (s *JobStore) GetJobByHandle(_ context.Context, handle string) (orchestrator.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHandle[handle]
	if !ok {
		return orchestrator.JobRecord{}, orchestrator.ErrNotFound
	}
	return clone(s.jobs[id]), nil
}

// UpdateStatus applies a non-terminal status and merges metadata. Terminal records are left untouched.
func (s *JobStore) UpdateStatus(
	_ context.Context,
	handle string,
	status orchestrator.JobStatus,
	metadata map[string]any,
) error {
	if status.Terminal() {
		return fmt.Errorf("status %s is terminal, use CompleteJob", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHandle[handle]
	if !ok {
		return orchestrator.ErrNotFound
	}
	job := s.jobs[id]
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.Metadata = merge(job.Metadata, metadata)
	s.jobs[id] = job
	return nil
}

// CompleteJob applies a terminal transition once.
func (s *JobStore) CompleteJob(
	_ context.Context,
	handle string,
	completion orchestrator.Completion,
) (bool, error) {
	if !completion.Status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", completion.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHandle[handle]
	if !ok {
		return false, orchestrator.ErrNotFound
	}
	job := s.jobs[id]
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = completion.Status
	job.ErrorMessage = completion.ErrorMessage
	job.Metadata = merge(job.Metadata, completion.Metadata)
	completedAt := completion.CompletedAt
	job.CompletedAt = &completedAt
	s.jobs[id] = job
	return true, nil
}

// ListActive returns non-terminal records started before cutoff, oldest first.
func (s *JobStore) ListActive(_ context.Context, startedBefore time.Time) ([]orchestrator.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.JobRecord
	for _, job := range s.jobs {
		if job.Status.Terminal() || !job.StartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, clone(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func merge(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

func clone(job orchestrator.JobRecord) orchestrator.JobRecord {
	job.Metadata = maps.Clone(job.Metadata)
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}
