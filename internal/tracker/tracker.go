package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/automation-orchestrator/internal/metrics"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/automation-orchestrator/internal/runner"
)

var tracer = otel.Tracer("github.com/JakeFAU/automation-orchestrator/internal/tracker")

// Launcher configures and starts the runner agent for a queue entry.
type Launcher interface {
	Configure(ctx context.Context, entry orchestrator.QueueEntry) error
	Launch(ctx context.Context, entry orchestrator.QueueEntry) (string, error)
}

// Runner reads session state and results from the upstream runner.
type Runner interface {
	FetchStatus(ctx context.Context, handle string) (runner.ContainerStatus, error)
	FetchOutput(ctx context.Context, handle string) (string, error)
	FetchResults(ctx context.Context, location string) ([]json.RawMessage, error)
}

// Completer is told once per job that the slot is free.
type Completer interface {
	JobCompleted(ctx context.Context, handle string, status orchestrator.JobStatus) (bool, error)
}

// Config holds the tracker's timings.
type Config struct {
	InitialDelay  time.Duration
	PollInterval  time.Duration
	UnknownDelay  time.Duration
	BackstopDelay time.Duration
	JobTimeout    time.Duration
	ClaimTTL      time.Duration
	// CompletedTTL is how long a finished handle stays marked as finished in
	// the shared store. Sweep and late polls skip marked handles.
	CompletedTTL  time.Duration
	Topic         string
	ArchivePrefix string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		InitialDelay:  10 * time.Second,
		PollInterval:  30 * time.Second,
		UnknownDelay:  60 * time.Second,
		BackstopDelay: 11 * time.Minute,
		JobTimeout:    10 * time.Minute,
		ClaimTTL:      30 * time.Minute,
		CompletedTTL:  24 * time.Hour,
		ArchivePrefix: "results",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.UnknownDelay <= 0 {
		c.UnknownDelay = def.UnknownDelay
	}
	if c.BackstopDelay <= 0 {
		c.BackstopDelay = def.BackstopDelay
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = def.ClaimTTL
	}
	// A claim must outlive the backstop or the backstop can claim a finished job again.
	if c.ClaimTTL < c.BackstopDelay {
		c.ClaimTTL = c.BackstopDelay
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = def.CompletedTTL
	}
	if c.CompletedTTL < c.ClaimTTL {
		c.CompletedTTL = c.ClaimTTL
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = def.ArchivePrefix
	}
	return c
}

// Deps are the tracker's collaborators. Blobs and Publisher are optional;
// Hasher defaults to SHA-256.
type Deps struct {
	Launcher  Launcher
	Runner    Runner
	Jobs      orchestrator.JobStore
	Store     orchestrator.SharedStore
	Queue     Completer
	Scheduler orchestrator.Scheduler
	Clock     orchestrator.Clock
	Blobs     orchestrator.BlobStore
	Publisher orchestrator.Publisher
	Hasher    orchestrator.Hasher
}

// Tracker is the CompletionTracker.
type Tracker struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Tracker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Tracker, error) {
	switch {
	case deps.Launcher == nil:
		return nil, errors.New("tracker: launcher is required")
	case deps.Runner == nil:
		return nil, errors.New("tracker: runner is required")
	case deps.Jobs == nil:
		return nil, errors.New("tracker: job store is required")
	case deps.Store == nil:
		return nil, errors.New("tracker: shared store is required")
	case deps.Queue == nil:
		return nil, errors.New("tracker: queue is required")
	case deps.Scheduler == nil:
		return nil, errors.New("tracker: scheduler is required")
	case deps.Clock == nil:
		return nil, errors.New("tracker: clock is required")
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{Deps: deps, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Signal is the tracker's reading of an upstream status string.
type Signal int

// Signals.
const (
	SignalUnknown Signal = iota
	SignalRunning
	SignalSuccess
	SignalFailure
)

// Classify maps a runner or webhook status onto a Signal.
func Classify(status string) Signal {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "finished", "success":
		return SignalSuccess
	case "error", "failed", "timeout", "cancelled":
		return SignalFailure
	case "running":
		return SignalRunning
	default:
		return SignalUnknown
	}
}

// Start launches entry and begins tracking the session. It satisfies the
// queue's Starter. Launch failures are recorded as failed JobRecords and
// returned so the queue can move on.
func (t *Tracker) Start(ctx context.Context, entry orchestrator.QueueEntry) (handle string, err error) {
	ctx, span := tracer.Start(ctx, "tracker.start")
	span.SetAttributes(
		attribute.String("job_id", entry.JobID),
		attribute.String("target_id", entry.TargetID),
		attribute.String("job_type", entry.JobType),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "launch failed")
		} else {
			span.SetAttributes(attribute.String("handle", handle))
		}
		span.End()
	}()

	startedAt := t.Clock.Now()
	logger := t.logger.With(
		zap.String("job_id", entry.JobID),
		zap.String("target_id", entry.TargetID),
		zap.String("job_type", entry.JobType),
	)

	if err := t.Launcher.Configure(ctx, entry); err != nil {
		t.recordLaunchFailure(ctx, entry, startedAt, err)
		return "", fmt.Errorf("configure agent: %w", err)
	}
	handle, err = t.Launcher.Launch(ctx, entry)
	if err != nil {
		t.recordLaunchFailure(ctx, entry, startedAt, err)
		return "", fmt.Errorf("launch agent: %w", err)
	}

	metadata := map[string]any{"handle": handle}
	if u := entry.TargetURL(); u != "" {
		metadata["target_url"] = u
	}
	record := orchestrator.JobRecord{
		JobID:     entry.JobID,
		Handle:    handle,
		TargetID:  entry.TargetID,
		JobType:   entry.JobType,
		Status:    orchestrator.JobStatusPending,
		Metadata:  metadata,
		StartedAt: startedAt,
	}
	var unsaved *orchestrator.JobRecord
	if err := t.Jobs.CreateJob(ctx, record); err != nil {
		// The session is already running upstream. Checks track it from this
		// copy so it still finishes and frees the slot.
		logger.Error("persist job record failed, tracking from memory", zap.String("handle", handle), zap.Error(err))
		unsaved = &record
	}

	t.Scheduler.After(t.cfg.InitialDelay, "check:"+handle, func(ctx context.Context) {
		t.poll(ctx, handle, "poll", unsaved)
	})
	t.Scheduler.After(t.cfg.BackstopDelay, "backstop:"+handle, func(ctx context.Context) {
		t.poll(ctx, handle, "backstop", unsaved)
	})
	logger.Info("tracking runner session", zap.String("handle", handle))
	return handle, nil
}

func (t *Tracker) recordLaunchFailure(ctx context.Context, entry orchestrator.QueueEntry, startedAt time.Time, cause error) {
	reason := cause.Error()
	var lf *orchestrator.LaunchFailure
	if errors.As(cause, &lf) {
		reason = lf.Reason
	}
	now := t.Clock.Now()
	record := orchestrator.JobRecord{
		JobID:        entry.JobID,
		TargetID:     entry.TargetID,
		JobType:      entry.JobType,
		Status:       orchestrator.JobStatusFailed,
		ErrorMessage: reason,
		Metadata:     map[string]any{"error": reason, "stage": "launch"},
		StartedAt:    startedAt,
		CompletedAt:  &now,
	}
	if err := t.Jobs.CreateJob(ctx, record); err != nil {
		t.logger.Error("persist launch failure failed", zap.String("job_id", entry.JobID), zap.Error(err))
	}
	metrics.ObserveJobCompleted(string(orchestrator.JobStatusFailed), "launch")
	t.publish(ctx, record, 0, "")
}

// Check runs one scheduled poll for handle and re-arms the poll chain while the job is live.
func (t *Tracker) Check(ctx context.Context, handle string) {
	t.poll(ctx, handle, "poll", nil)
}

// poll checks handle once. unsaved stands in for the JobRecord when the store
// never accepted it.
func (t *Tracker) poll(ctx context.Context, handle, source string, unsaved *orchestrator.JobRecord) {
	logger := t.logger.With(zap.String("handle", handle), zap.String("source", source))
	rearm := func(d time.Duration) {
		if source != "poll" {
			return
		}
		t.Scheduler.After(d, "check:"+handle, func(ctx context.Context) {
			t.poll(ctx, handle, "poll", unsaved)
		})
	}

	job, err := t.Jobs.GetJobByHandle(ctx, handle)
	if errors.Is(err, orchestrator.ErrNotFound) && unsaved != nil {
		if t.completed(ctx, handle) {
			logger.Debug("unsaved job already finished")
			return
		}
		job, err = *unsaved, nil
	}
	if errors.Is(err, orchestrator.ErrNotFound) {
		logger.Warn("no job record for handle, dropping check")
		return
	}
	if err != nil {
		logger.Error("load job record failed", zap.Error(err))
		rearm(t.cfg.UnknownDelay)
		return
	}
	if job.Status.Terminal() {
		logger.Debug("job already terminal", zap.String("status", string(job.Status)))
		return
	}

	status, err := t.Runner.FetchStatus(ctx, handle)
	if err != nil {
		logger.Warn("fetch runner status failed", zap.Error(err))
		if t.expired(job) {
			t.timeout(ctx, job, source)
			return
		}
		rearm(t.cfg.UnknownDelay)
		return
	}

	switch Classify(status.Status) {
	case SignalSuccess:
		t.finish(ctx, job, source, func(ctx context.Context) orchestrator.Completion {
			return t.resolve(ctx, job, status.Status)
		})
	case SignalFailure:
		t.finish(ctx, job, source, func(context.Context) orchestrator.Completion {
			return t.upstreamFailure(job, status.Status, status.EndedAt)
		})
	case SignalRunning:
		if t.expired(job) {
			t.timeout(ctx, job, source)
			return
		}
		if err := t.Jobs.UpdateStatus(ctx, handle, orchestrator.JobStatusRunning, map[string]any{"runner_status": status.Status}); err != nil {
			logger.Warn("mark running failed", zap.Error(err))
		}
		rearm(t.cfg.PollInterval)
	default:
		if t.expired(job) {
			t.timeout(ctx, job, source)
			return
		}
		logger.Warn("unknown runner status", zap.String("status", status.Status))
		rearm(t.cfg.UnknownDelay)
	}
}

func (t *Tracker) expired(job orchestrator.JobRecord) bool {
	return t.Clock.Now().Sub(job.StartedAt) > t.cfg.JobTimeout
}

// Disposition describes what HandleNotification did with a notification.
type Disposition string

// Dispositions.
const (
	DispositionIgnored   Disposition = "ignored"
	DispositionProgress  Disposition = "progress"
	DispositionCompleted Disposition = "completed"
	DispositionDuplicate Disposition = "duplicate"
	DispositionUnknown   Disposition = "unknown_job"
)

// HandleNotification applies a pushed {handle, status} notification.
func (t *Tracker) HandleNotification(ctx context.Context, handle, status string) (Disposition, error) {
	signal := Classify(status)
	if signal == SignalUnknown {
		metrics.ObserveNotification(string(DispositionIgnored))
		return DispositionIgnored, nil
	}
	job, err := t.Jobs.GetJobByHandle(ctx, handle)
	if errors.Is(err, orchestrator.ErrNotFound) {
		metrics.ObserveNotification(string(DispositionUnknown))
		return DispositionUnknown, fmt.Errorf("handle %s: %w", handle, err)
	}
	if err != nil {
		return "", fmt.Errorf("load job for %s: %w", handle, err)
	}
	if job.Status.Terminal() {
		metrics.ObserveNotification(string(DispositionDuplicate))
		return DispositionDuplicate, nil
	}

	var disposition Disposition
	switch signal {
	case SignalRunning:
		if err := t.Jobs.UpdateStatus(ctx, handle, orchestrator.JobStatusRunning, map[string]any{"runner_status": status}); err != nil {
			return "", fmt.Errorf("mark %s running: %w", handle, err)
		}
		disposition = DispositionProgress
	case SignalSuccess:
		disposition = DispositionDuplicate
		if t.finish(ctx, job, "webhook", func(ctx context.Context) orchestrator.Completion {
			return t.resolve(ctx, job, status)
		}) {
			disposition = DispositionCompleted
		}
	case SignalFailure:
		disposition = DispositionDuplicate
		if t.finish(ctx, job, "webhook", func(context.Context) orchestrator.Completion {
			return t.upstreamFailure(job, status, nil)
		}) {
			disposition = DispositionCompleted
		}
	}
	metrics.ObserveNotification(string(disposition))
	return disposition, nil
}

func claimKey(handle string) string {
	return "tracker:" + handle + ":claim"
}

// completedPrefix marks a claim whose terminal transition has run.
const completedPrefix = "done:"

// completedStatus reports the status a finished handle's claim recorded.
func (t *Tracker) completedStatus(ctx context.Context, handle string) (orchestrator.JobStatus, bool) {
	value, ok, err := t.Store.Get(ctx, claimKey(handle))
	if err != nil || !ok {
		return "", false
	}
	status, found := strings.CutPrefix(value, completedPrefix)
	if !found {
		return "", false
	}
	return orchestrator.JobStatus(status), true
}

func (t *Tracker) completed(ctx context.Context, handle string) bool {
	_, ok := t.completedStatus(ctx, handle)
	return ok
}

// finish claims the terminal transition for job, builds the completion, and
// applies it. It reports whether this call performed the transition.
func (t *Tracker) finish(
	ctx context.Context,
	job orchestrator.JobRecord,
	source string,
	complete func(ctx context.Context) orchestrator.Completion,
) bool {
	logger := t.logger.With(zap.String("job_id", job.JobID), zap.String("handle", job.Handle), zap.String("source", source))
	won, err := t.Store.SetNX(ctx, claimKey(job.Handle), source, t.cfg.ClaimTTL)
	if err != nil {
		logger.Error("claim terminal transition failed", zap.Error(err))
		return false
	}
	if !won {
		logger.Debug("terminal transition already claimed")
		return false
	}
	// Past the claim nobody else will finish this job, so caller cancellation must not strand it.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "tracker.finish")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.JobID),
		attribute.String("handle", job.Handle),
		attribute.String("source", source),
	)

	completion := complete(ctx)
	if completion.Metadata == nil {
		completion.Metadata = map[string]any{}
	}
	completion.Metadata["completed_by"] = source
	completion.Metadata["execution_time_ms"] = completion.CompletedAt.Sub(job.StartedAt).Milliseconds()

	applied, err := t.Jobs.CompleteJob(ctx, job.Handle, completion)
	switch {
	case err != nil:
		logger.Error("persist completion failed, releasing slot anyway", zap.Error(err))
	case !applied:
		logger.Warn("job already terminal in store")
		return false
	}

	span.SetAttributes(attribute.String("status", string(completion.Status)))
	if completion.Status == orchestrator.JobStatusFailed {
		span.SetStatus(codes.Error, completion.ErrorMessage)
	}
	logger.Info("job finished",
		zap.String("status", string(completion.Status)),
		zap.String("error", completion.ErrorMessage),
	)
	metrics.ObserveJobCompleted(string(completion.Status), source)
	job.Status = completion.Status
	job.ErrorMessage = completion.ErrorMessage
	job.CompletedAt = &completion.CompletedAt
	job.Metadata = completion.Metadata
	count, _ := completion.Metadata["result_count"].(int)
	uri, _ := completion.Metadata["results_uri"].(string)
	t.publish(ctx, job, count, uri)

	if err := t.Store.Set(ctx, claimKey(job.Handle), completedPrefix+string(completion.Status), t.cfg.CompletedTTL); err != nil {
		logger.Warn("mark claim completed failed", zap.Error(err))
	}
	if _, err := t.Queue.JobCompleted(ctx, job.Handle, completion.Status); err != nil {
		logger.Error("advance queue failed", zap.Error(err))
	}
	return true
}

func (t *Tracker) upstreamFailure(job orchestrator.JobRecord, status string, endedAt any) orchestrator.Completion {
	failure := &orchestrator.JobExecutionError{Handle: job.Handle, Status: status}
	metadata := map[string]any{
		"error":         failure.Error(),
		"runner_status": status,
	}
	if endedAt != nil {
		metadata["ended_at"] = endedAt
	}
	return orchestrator.Completion{
		Status:       orchestrator.JobStatusFailed,
		ErrorMessage: failure.Error(),
		Metadata:     metadata,
		CompletedAt:  t.Clock.Now(),
	}
}

func (t *Tracker) timeout(ctx context.Context, job orchestrator.JobRecord, source string) {
	t.finish(ctx, job, source, func(context.Context) orchestrator.Completion {
		return t.timeoutCompletion()
	})
}

func (t *Tracker) timeoutCompletion() orchestrator.Completion {
	now := t.Clock.Now()
	msg := fmt.Sprintf("runner job timed out after %s", t.cfg.JobTimeout)
	return orchestrator.Completion{
		Status:       orchestrator.JobStatusFailed,
		ErrorMessage: msg,
		Metadata: map[string]any{
			"error":           msg,
			"timeout_reason":  "no status updates received within timeout period",
			"timeout_at":      now.UTC().Format(time.RFC3339),
			"monitor_timeout": true,
		},
		CompletedAt: now,
	}
}

func (t *Tracker) publish(ctx context.Context, job orchestrator.JobRecord, count int, uri string) {
	if t.Publisher == nil {
		return
	}
	event := orchestrator.CompletionEvent{
		JobID:       job.JobID,
		Handle:      job.Handle,
		TargetID:    job.TargetID,
		JobType:     job.JobType,
		Status:      job.Status,
		Error:       job.ErrorMessage,
		ResultCount: count,
		ResultsURI:  uri,
		Metadata:    job.Metadata,
	}
	if job.CompletedAt != nil {
		event.CompletedAt = *job.CompletedAt
	}
	id, err := t.Publisher.Publish(ctx, t.cfg.Topic, event)
	if err != nil {
		t.logger.Warn("publish completion event failed", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	t.logger.Debug("completion event published", zap.String("job_id", job.JobID), zap.String("message_id", id))
}
