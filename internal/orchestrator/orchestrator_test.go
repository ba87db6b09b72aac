package orchestrator

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, JobStatusSuccess.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatusPending.Terminal())
	require.False(t, JobStatusRunning.Terminal())
	require.False(t, JobStatusRateLimited.Terminal())
}

func TestResult(t *testing.T) {
	t.Parallel()

	ok := Success(42)
	require.True(t, ok.OK())
	require.Equal(t, 42, ok.Value())

	failed := Failure[int]("no results", map[string]any{"handle": "c-1"})
	require.False(t, failed.OK())
	require.Zero(t, failed.Value())
	require.Equal(t, "no results", failed.Reason())
	require.Equal(t, "c-1", failed.Data()["handle"])
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	wrapped := fmt.Errorf("fetch status: %w", &RateLimitedError{RetryAfter: time.Second, Err: cause})

	var rl *RateLimitedError
	require.ErrorAs(t, wrapped, &rl)
	require.Equal(t, time.Second, rl.RetryAfter)
	require.ErrorIs(t, wrapped, cause)

	lf := &LaunchFailure{StatusCode: 200, Reason: ErrNoHandle.Error(), Err: ErrNoHandle}
	require.ErrorIs(t, lf, ErrNoHandle)
	require.Contains(t, lf.Error(), "no handle returned")

	require.Contains(t, (&ConfigurationError{Field: "runner.api_key", Reason: "required"}).Error(), "runner.api_key")
}

func TestQueueEntryTargetURL(t *testing.T) {
	t.Parallel()

	require.Empty(t, QueueEntry{}.TargetURL())
	entry := QueueEntry{Options: map[string]any{"target_url": "https://example.com"}}
	require.Equal(t, "https://example.com", entry.TargetURL())
}
