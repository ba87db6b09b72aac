// Package retry implements bounded exponential backoff with explicit handling
// of upstream "retry after" signals.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/metrics"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

// Config controls the retry budget.
type Config struct {
	// MaxAttempts is the total number of calls made for transient failures.
	MaxAttempts int
	// BaseDelay is the wait after the first transient failure; it doubles each attempt.
	BaseDelay time.Duration
	// MaxRateLimitWaits bounds consecutive upstream rate-limit waits; zero means unbounded.
	MaxRateLimitWaits int
}

// Retrier runs operations under a Config.
type Retrier struct {
	cfg     Config
	sleeper orchestrator.Sleeper
	logger  *zap.Logger
}

// ExhaustedError is returned once the attempt budget is spent.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// New creates a Retrier. MaxAttempts below one is treated as one.
func New(cfg Config, sleeper orchestrator.Sleeper, logger *zap.Logger) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{cfg: cfg, sleeper: sleeper, logger: logger}
}

// Do runs op until it succeeds, fails permanently, or the budget is spent.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the value-returning form of Retrier.Do.
func Do[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempt := 1
	rateLimitWaits := 0
	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return zero, unwrapPermanent(err)
		}

		var limited *orchestrator.RateLimitedError
		if errors.As(err, &limited) {
			rateLimitWaits++
			if r.cfg.MaxRateLimitWaits > 0 && rateLimitWaits > r.cfg.MaxRateLimitWaits {
				return zero, &ExhaustedError{Attempts: attempt, Err: err}
			}
			r.logger.Warn("upstream rate limited, waiting",
				zap.String("operation", name),
				zap.Duration("retry_after", limited.RetryAfter),
			)
			metrics.ObserveRetry(name, "rate_limited")
			if err := r.sleeper.Sleep(ctx, limited.RetryAfter); err != nil {
				return zero, fmt.Errorf("%s: %w", name, err)
			}
			continue
		}

		if attempt >= r.cfg.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}
		delay := r.Backoff(attempt)
		r.logger.Warn("transient failure, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry(name, "transient")
		if err := r.sleeper.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", name, err)
		}
		attempt++
	}
}

// Backoff returns base_delay * 2^(attempt-1).
func (r *Retrier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return r.cfg.BaseDelay << (attempt - 1)
}

func retryable(err error) bool {
	var permanent *permanentError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var launch *orchestrator.LaunchFailure
	if errors.As(err, &launch) {
		return false
	}
	var cfgErr *orchestrator.ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	var exceeded *orchestrator.RateLimitExceededError
	return !errors.As(err, &exceeded)
}

func unwrapPermanent(err error) error {
	var permanent *permanentError
	if errors.As(err, &permanent) && err == error(permanent) {
		return permanent.err
	}
	return err
}
