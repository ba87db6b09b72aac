package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/automation-orchestrator/internal/runner"
)

type resultSet struct {
	location string
	records  []json.RawMessage
}

// resolve turns an upstream success into a Completion. Any break in the
// output -> location -> results chain fails the job.
func (t *Tracker) resolve(ctx context.Context, job orchestrator.JobRecord, runnerStatus string) orchestrator.Completion {
	result := t.fetchResults(ctx, job.Handle)
	now := t.Clock.Now()
	if !result.OK() {
		failure := &orchestrator.ResultResolutionError{Handle: job.Handle, Reason: result.Reason()}
		if cause, ok := result.Data()["error"].(error); ok {
			failure.Err = cause
		}
		metadata := map[string]any{
			"error":         result.Reason(),
			"runner_status": runnerStatus,
		}
		if loc, ok := result.Data()["results_url"].(string); ok {
			metadata["results_url"] = loc
		}
		t.logger.Warn("result resolution failed", zap.String("handle", job.Handle), zap.Error(failure))
		return orchestrator.Completion{
			Status:       orchestrator.JobStatusFailed,
			ErrorMessage: failure.Error(),
			Metadata:     metadata,
			CompletedAt:  now,
		}
	}

	set := result.Value()
	metadata := map[string]any{
		"runner_status": runnerStatus,
		"results_url":   set.location,
		"result_count":  len(set.records),
	}
	if uri, digest, err := t.archive(ctx, job, set.records); err != nil {
		t.logger.Warn("archive results failed", zap.String("job_id", job.JobID), zap.Error(err))
		metadata["archive_error"] = err.Error()
	} else if uri != "" {
		metadata["results_uri"] = uri
		metadata["results_sha256"] = digest
	}
	return orchestrator.Completion{
		Status:      orchestrator.JobStatusSuccess,
		Metadata:    metadata,
		CompletedAt: now,
	}
}

func (t *Tracker) fetchResults(ctx context.Context, handle string) orchestrator.Result[resultSet] {
	output, err := t.Runner.FetchOutput(ctx, handle)
	if err != nil {
		return orchestrator.Failure[resultSet]("failed to fetch runner output", map[string]any{"error": err})
	}
	location, ok := runner.ExtractResultsURL(output)
	if !ok {
		return orchestrator.Failure[resultSet]("no results location in runner output", nil)
	}
	records, err := t.Runner.FetchResults(ctx, location)
	if err != nil {
		return orchestrator.Failure[resultSet]("failed to fetch results", map[string]any{"error": err, "results_url": location})
	}
	if len(records) == 0 {
		return orchestrator.Failure[resultSet]("runner returned no results", map[string]any{"results_url": location})
	}
	return orchestrator.Success(resultSet{location: location, records: records})
}

// archive stores the result set and returns its URI and content digest.
func (t *Tracker) archive(ctx context.Context, job orchestrator.JobRecord, records []json.RawMessage) (string, string, error) {
	if t.Blobs == nil {
		return "", "", nil
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return "", "", fmt.Errorf("encode results: %w", err)
	}
	digest, err := t.Hasher.Hash(payload)
	if err != nil {
		return "", "", fmt.Errorf("hash results: %w", err)
	}
	name := path.Join(t.cfg.ArchivePrefix, job.JobType, job.JobID+".json")
	uri, err := t.Blobs.PutObject(ctx, name, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("put %s: %w", name, err)
	}
	return uri, digest, nil
}
