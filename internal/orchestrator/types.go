package orchestrator

import "time"

// JobStatus enumerates the lifecycle states of a launched automation job.
type JobStatus string

const (
	// JobStatusPending marks a job that has been launched but not yet observed running.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning marks a job the upstream runner reports as in progress.
	JobStatusRunning JobStatus = "running"
	// JobStatusSuccess marks a job whose results were resolved and persisted.
	JobStatusSuccess JobStatus = "success"
	// JobStatusFailed marks a job that failed upstream, timed out, or could not be resolved.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRateLimited marks a job waiting on an upstream rate limit.
	JobStatusRateLimited JobStatus = "rate_limited"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// QueueEntry is one request waiting for the single automation slot.
type QueueEntry struct {
	JobID      string         `json:"job_id"`
	TargetID   string         `json:"target_id"`
	JobType    string         `json:"job_type"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Options    map[string]any `json:"options,omitempty"`
}

// TargetURL returns the "target_url" option, if present.
func (e QueueEntry) TargetURL() string {
	if e.Options == nil {
		return ""
	}
	v, _ := e.Options["target_url"].(string)
	return v
}

// QueueStatus is an observability snapshot of the sequential queue.
type QueueStatus struct {
	Length         int64       `json:"queue_length"`
	Processing     bool        `json:"is_processing"`
	Current        *QueueEntry `json:"current_job,omitempty"`
	LockAcquiredAt *time.Time  `json:"lock_acquired_at,omitempty"`
	LockAge        string      `json:"lock_age,omitempty"`
}

// JobRecord is the durable view of one launched job.
type JobRecord struct {
	JobID        string         `json:"job_id"`
	Handle       string         `json:"handle,omitempty"`
	TargetID     string         `json:"target_id"`
	JobType      string         `json:"job_type"`
	Status       JobStatus      `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Completion captures a terminal transition applied to a JobRecord.
type Completion struct {
	Status       JobStatus
	ErrorMessage string
	Metadata     map[string]any
	CompletedAt  time.Time
}

// CompletionEvent is published once a job reaches a terminal status.
type CompletionEvent struct {
	JobID       string         `json:"job_id"`
	Handle      string         `json:"handle"`
	TargetID    string         `json:"target_id"`
	JobType     string         `json:"job_type"`
	Status      JobStatus      `json:"status"`
	Error       string         `json:"error,omitempty"`
	ResultCount int            `json:"result_count"`
	ResultsURI  string         `json:"results_uri,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}
