package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a JobRecord does not exist.
var ErrNotFound = errors.New("job not found")

// ErrNoHandle is the launch failure reason for a success response without a handle.
var ErrNoHandle = errors.New("no handle returned")

// ConfigurationError reports missing credentials, identifiers, or job types.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error: " + e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// LaunchFailure reports a start call that did not yield a job handle.
type LaunchFailure struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *LaunchFailure) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("launch failed (status %d): %s", e.StatusCode, e.Reason)
	}
	return "launch failed: " + e.Reason
}

func (e *LaunchFailure) Unwrap() error { return e.Err }

// RateLimitExceededError means our own coordination could not get a slot in time.
type RateLimitExceededError struct {
	Resource string
	Waited   time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s after waiting %s", e.Resource, e.Waited)
}

// RateLimitedError means the upstream rejected a call and asked us to wait RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// TransientError marks a retryable network or server failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// JobExecutionError records an upstream terminal failure.
type JobExecutionError struct {
	Handle string
	Status string
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s execution failed with status: %s", e.Handle, e.Status)
}

// ResultResolutionError records an upstream success whose output we could not consume.
type ResultResolutionError struct {
	Handle string
	Reason string
	Err    error
}

func (e *ResultResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve results for %s: %s: %v", e.Handle, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve results for %s: %s", e.Handle, e.Reason)
}

func (e *ResultResolutionError) Unwrap() error { return e.Err }
