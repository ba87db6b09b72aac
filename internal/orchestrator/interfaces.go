package orchestrator

import (
	"context"
	"io"
	"time"
)

// SharedStore is the key-value store every process coordinates through.
// Implementations must make SetNX and the list primitives atomic.
type SharedStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper blocks the caller for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Scheduler runs fn once after d without blocking the caller.
type Scheduler interface {
	After(d time.Duration, name string, fn func(ctx context.Context))
}

// JobStore persists JobRecords.
type JobStore interface {
	CreateJob(ctx context.Context, job JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	GetJobByHandle(ctx context.Context, handle string) (JobRecord, error)
	// UpdateStatus applies a non-terminal status; it is a no-op on terminal records.
	UpdateStatus(ctx context.Context, handle string, status JobStatus, metadata map[string]any) error
	// CompleteJob applies a terminal status and reports false when the record was already terminal.
	CompleteJob(ctx context.Context, handle string, completion Completion) (bool, error)
	// ListActive returns non-terminal records started before cutoff.
	ListActive(ctx context.Context, startedBefore time.Time) ([]JobRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces a content digest for archived artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}
