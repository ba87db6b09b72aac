package config

import (
	"time"

	"github.com/JakeFAU/automation-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/automation-orchestrator/internal/retry"
	"github.com/JakeFAU/automation-orchestrator/internal/tracker"
)

// TrackerSettings converts the tracker section into tracker.Config.
func (c Config) TrackerSettings() tracker.Config {
	return tracker.Config{
		InitialDelay:  seconds(c.Tracker.InitialDelaySeconds),
		PollInterval:  seconds(c.Tracker.PollIntervalSeconds),
		UnknownDelay:  seconds(c.Tracker.UnknownDelaySeconds),
		BackstopDelay: seconds(c.Tracker.BackstopDelaySeconds),
		JobTimeout:    seconds(c.Tracker.JobTimeoutSeconds),
		ClaimTTL:      seconds(c.Tracker.ClaimTTLSeconds),
		CompletedTTL:  seconds(c.Tracker.CompletedTTLSeconds),
		Topic:         c.PubSub.TopicName,
		ArchivePrefix: c.Tracker.ArchivePrefix,
	}
}

// RateLimitSettings converts the rate_limit section.
func (c Config) RateLimitSettings() ratelimit.GlobalConfig {
	return ratelimit.GlobalConfig{
		MaxWait:      seconds(c.RateLimit.MaxWaitSeconds),
		TokenTTL:     seconds(c.RateLimit.TokenTTLSeconds),
		PollInterval: millis(c.RateLimit.PollIntervalMs),
		Jitter:       millis(c.RateLimit.JitterMs),
	}
}

// RetrySettings converts the retry section.
func (c Config) RetrySettings() retry.Config {
	return retry.Config{
		MaxAttempts:       c.Retry.MaxAttempts,
		BaseDelay:         millis(c.Retry.BaseDelayMs),
		MaxRateLimitWaits: c.Retry.MaxRateLimitWaits,
	}
}

// ConnLifetime returns the Postgres connection lifetime.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.Database.MaxConnLifetimeMinutes) * time.Minute
}
