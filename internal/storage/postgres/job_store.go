// Package postgres persists JobRecords in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "orchestrator_jobs"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// JobStore implements orchestrator.JobStore on Postgres.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore connects a pool from cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool builds a store on an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: p, table: table}, nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the jobs table and its indexes if they do not exist.
func (s *JobStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id        TEXT PRIMARY KEY,
	handle        TEXT UNIQUE,
	target_id     TEXT NOT NULL,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_message TEXT,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_active_idx ON %s (started_at) WHERE status NOT IN ('success', 'failed')`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

// CreateJob inserts a record.
func (s *JobStore) CreateJob(ctx context.Context, job orchestrator.JobRecord) error {
	metadata, err := encodeMetadata(job.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	handle,
	target_id,
	job_type,
	status,
	metadata,
	error_message,
	started_at,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)
	args := []any{
		job.JobID,
		nullable(job.Handle),
		job.TargetID,
		job.JobType,
		string(job.Status),
		metadata,
		nullable(job.ErrorMessage),
		job.StartedAt,
		job.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	return nil
}

const selectColumns = `job_id, COALESCE(handle, ''), target_id, job_type, status, metadata, COALESCE(error_message, ''), started_at, completed_at`

// GetJob loads a record by job ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (orchestrator.JobRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, selectColumns, s.table)
	return s.getOne(ctx, query, jobID)
}

// GetJobByHandle loads a record by runner handle.
func (s *JobStore) GetJobByHandle(ctx context.Context, handle string) (orchestrator.JobRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE handle = $1`, selectColumns, s.table)
	return s.getOne(ctx, query, handle)
}

func (s *JobStore) getOne(ctx context.Context, query string, arg string) (orchestrator.JobRecord, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.JobRecord{}, orchestrator.ErrNotFound
	}
	if err != nil {
		return orchestrator.JobRecord{}, fmt.Errorf("get job %s: %w", arg, err)
	}
	return job, nil
}

// UpdateStatus applies a non-terminal status and merges metadata. Terminal rows are not touched.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	handle string,
	status orchestrator.JobStatus,
	metadata map[string]any,
) error {
	if status.Terminal() {
		return fmt.Errorf("status %s is terminal, use CompleteJob", status)
	}
	patch, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, metadata = metadata || $2::jsonb
WHERE handle = $3 AND status NOT IN ('success', 'failed')`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(status), patch, handle)
	if err != nil {
		return fmt.Errorf("update job %s: %w", handle, err)
	}
	if tag.RowsAffected() == 0 {
		return s.ensureExists(ctx, handle)
	}
	return nil
}

// CompleteJob applies a terminal transition once and reports whether this call applied it.
func (s *JobStore) CompleteJob(ctx context.Context, handle string, completion orchestrator.Completion) (bool, error) {
	if !completion.Status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", completion.Status)
	}
	patch, err := encodeMetadata(completion.Metadata)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, error_message = $2, metadata = metadata || $3::jsonb, completed_at = $4
WHERE handle = $5 AND status NOT IN ('success', 'failed')`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(completion.Status),
		nullable(completion.ErrorMessage),
		patch,
		completion.CompletedAt,
		handle,
	)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", handle, err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.ensureExists(ctx, handle)
	}
	return true, nil
}

func (s *JobStore) ensureExists(ctx context.Context, handle string) error {
	var status string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE handle = $1`, s.table), handle).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job %s: %w", handle, err)
	}
	return nil
}

// ListActive returns non-terminal rows started before cutoff, oldest first.
func (s *JobStore) ListActive(ctx context.Context, startedBefore time.Time) ([]orchestrator.JobRecord, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status NOT IN ('success', 'failed') AND started_at < $1
ORDER BY started_at ASC`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []orchestrator.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (orchestrator.JobRecord, error) {
	var (
		job      orchestrator.JobRecord
		status   string
		metadata []byte
	)
	if err := row.Scan(
		&job.JobID,
		&job.Handle,
		&job.TargetID,
		&job.JobType,
		&status,
		&metadata,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		return orchestrator.JobRecord{}, err
	}
	job.Status = orchestrator.JobStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return orchestrator.JobRecord{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return job, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
