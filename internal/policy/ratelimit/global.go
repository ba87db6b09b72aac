package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/metrics"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

// GlobalConfig tunes the cross-process limiter.
type GlobalConfig struct {
	// MaxWait bounds the total time Acquire may spend before giving up.
	MaxWait time.Duration
	// TokenTTL caps the lifetime of the acquisition token.
	TokenTTL time.Duration
	// PollInterval is the base sleep between attempts.
	PollInterval time.Duration
	// Jitter is the maximum random addition to PollInterval.
	Jitter time.Duration
}

// DefaultGlobalConfig returns the production defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		MaxWait:      30 * time.Second,
		TokenTTL:     2 * time.Second,
		PollInterval: 100 * time.Millisecond,
		Jitter:       50 * time.Millisecond,
	}
}

// Global spaces calls to one upstream API across every process sharing store.
type Global struct {
	store   orchestrator.SharedStore
	clock   orchestrator.Clock
	sleeper orchestrator.Sleeper
	cfg     GlobalConfig
	logger  *zap.Logger
}

// NewGlobal creates a Global limiter. Zero config fields take the defaults.
func NewGlobal(
	store orchestrator.SharedStore,
	clock orchestrator.Clock,
	sleeper orchestrator.Sleeper,
	cfg GlobalConfig,
	logger *zap.Logger,
) *Global {
	def := DefaultGlobalConfig()
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Global{store: store, clock: clock, sleeper: sleeper, cfg: cfg, logger: logger}
}

func lastCallKey(resource string) string { return "ratelimit:" + resource + ":last_call" }

func tokenKey(resource string) string { return "ratelimit:" + resource + ":token" }

// Acquire blocks until the caller may make one call to resource, returning the
// acquisition timestamp. Successive acquisitions for the same resource are at
// least minInterval apart. It fails with RateLimitExceededError after MaxWait.
func (g *Global) Acquire(ctx context.Context, resource string, minInterval time.Duration) (time.Time, error) {
	start := g.clock.Now()
	if minInterval <= 0 {
		return start, nil
	}
	tokenTTL := min(g.cfg.TokenTTL, minInterval)

	for {
		now := g.clock.Now()
		if now.Sub(start) >= g.cfg.MaxWait {
			metrics.ObserveRateLimitExceeded(resource)
			g.logger.Warn("rate limit slot not acquired in time",
				zap.String("resource", resource),
				zap.Duration("waited", g.cfg.MaxWait),
			)
			return time.Time{}, &orchestrator.RateLimitExceededError{Resource: resource, Waited: g.cfg.MaxWait}
		}

		acquired, err := g.tryAcquire(ctx, resource, minInterval, tokenTTL, now)
		if err != nil {
			return time.Time{}, err
		}
		if !acquired.IsZero() {
			if waited := acquired.Sub(start); waited > 0 {
				metrics.ObserveRateLimitWait(resource, waited)
			}
			return acquired, nil
		}

		if err := g.sleeper.Sleep(ctx, g.backoff()); err != nil {
			return time.Time{}, fmt.Errorf("acquire %s: %w", resource, err)
		}
	}
}

// tryAcquire performs one attempt and returns the zero time when the slot is not available.
func (g *Global) tryAcquire(
	ctx context.Context,
	resource string,
	minInterval, tokenTTL time.Duration,
	now time.Time,
) (time.Time, error) {
	last, ok, err := g.lastCall(ctx, resource)
	if err != nil {
		return time.Time{}, err
	}
	if ok && now.Sub(last) < minInterval {
		return time.Time{}, nil
	}
	won, err := g.store.SetNX(ctx, tokenKey(resource), strconv.FormatInt(now.UnixNano(), 10), tokenTTL)
	if err != nil {
		return time.Time{}, fmt.Errorf("acquire %s token: %w", resource, err)
	}
	if !won {
		return time.Time{}, nil
	}

	// The token may have outlived a competitor's window; confirm the spacing
	// against the freshest last-call stamp before claiming the slot.
	stamp := g.clock.Now()
	last, ok, err = g.lastCall(ctx, resource)
	if err != nil {
		return time.Time{}, err
	}
	if ok && stamp.Sub(last) < minInterval {
		return time.Time{}, nil
	}
	if err := g.store.Set(ctx, lastCallKey(resource), strconv.FormatInt(stamp.UnixNano(), 10), minInterval+time.Second); err != nil {
		return time.Time{}, fmt.Errorf("record %s last call: %w", resource, err)
	}
	return stamp, nil
}

func (g *Global) lastCall(ctx context.Context, resource string) (time.Time, bool, error) {
	raw, ok, err := g.store.Get(ctx, lastCallKey(resource))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s last call: %w", resource, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unreadable stamps are overwritten by the next winner.
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

func (g *Global) backoff() time.Duration {
	if g.cfg.Jitter <= 0 {
		return g.cfg.PollInterval
	}
	return g.cfg.PollInterval + time.Duration(rand.Int64N(int64(g.cfg.Jitter)))
}
