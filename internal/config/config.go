// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/automation-orchestrator/internal/runner"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ReadTimeoutSeconds     int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int `mapstructure:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig protects the admin API.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the shared-store backend: "redis" or "memory".
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig addresses the Redis shared store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QueueConfig tunes the sequential queue.
type QueueConfig struct {
	LockTTLSeconds int `mapstructure:"lock_ttl_seconds"`
}

// RunnerConfig addresses the upstream automation runner.
type RunnerConfig struct {
	BaseURL             string                  `mapstructure:"base_url"`
	APIKey              string                  `mapstructure:"api_key"`
	APIKeyHeader        string                  `mapstructure:"api_key_header"`
	WebhookURL          string                  `mapstructure:"webhook_url"`
	TimeoutSeconds      int                     `mapstructure:"timeout_seconds"`
	RateLimitIntervalMs int                     `mapstructure:"rate_limit_interval_ms"`
	Agents              map[string]runner.Agent `mapstructure:"agents"`
}

// TrackerConfig holds completion-tracking timings.
type TrackerConfig struct {
	InitialDelaySeconds  int    `mapstructure:"initial_delay_seconds"`
	PollIntervalSeconds  int    `mapstructure:"poll_interval_seconds"`
	UnknownDelaySeconds  int    `mapstructure:"unknown_delay_seconds"`
	BackstopDelaySeconds int    `mapstructure:"backstop_delay_seconds"`
	JobTimeoutSeconds    int    `mapstructure:"job_timeout_seconds"`
	ClaimTTLSeconds      int    `mapstructure:"claim_ttl_seconds"`
	CompletedTTLSeconds  int    `mapstructure:"completed_ttl_seconds"`
	SweepSchedule        string `mapstructure:"sweep_schedule"`
	ArchivePrefix        string `mapstructure:"archive_prefix"`
}

// RateLimitConfig tunes the shared-store rate limiter.
type RateLimitConfig struct {
	MaxWaitSeconds  int `mapstructure:"max_wait_seconds"`
	TokenTTLSeconds int `mapstructure:"token_ttl_seconds"`
	PollIntervalMs  int `mapstructure:"poll_interval_ms"`
	JitterMs        int `mapstructure:"jitter_ms"`
}

// RetryConfig tunes backoff for idempotent runner calls.
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	BaseDelayMs       int `mapstructure:"base_delay_ms"`
	MaxRateLimitWaits int `mapstructure:"max_rate_limit_waits"`
}

// WebhookConfig throttles inbound notifications per client. When Secret is
// set, notifications must carry it in X-Webhook-Secret or ?secret=.
type WebhookConfig struct {
	RPS    float64 `mapstructure:"rps"`
	Burst  int     `mapstructure:"burst"`
	Secret string  `mapstructure:"secret"`
}

// DatabaseConfig enables Postgres persistence of job records when DSN is set.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// StorageConfig selects the result archive backend: "memory", "local", "gcs", or "none".
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds completion-event publishing settings. Events go to
// Pub/Sub when ProjectID is set and to an in-memory recorder otherwise.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing. Spans go to Cloud Trace when ProjectID is set.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", "redis")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("queue.lock_ttl_seconds", 1800)
	v.SetDefault("runner.base_url", "https://api.phantombuster.com/api/v2")
	v.SetDefault("runner.api_key_header", "X-Phantombuster-Key-1")
	v.SetDefault("runner.timeout_seconds", 10)
	v.SetDefault("runner.rate_limit_interval_ms", 1000)
	v.SetDefault("tracker.initial_delay_seconds", 10)
	v.SetDefault("tracker.poll_interval_seconds", 30)
	v.SetDefault("tracker.unknown_delay_seconds", 60)
	v.SetDefault("tracker.backstop_delay_seconds", 660)
	v.SetDefault("tracker.job_timeout_seconds", 600)
	v.SetDefault("tracker.claim_ttl_seconds", 1800)
	v.SetDefault("tracker.completed_ttl_seconds", 86400)
	v.SetDefault("tracker.sweep_schedule", "@every 1m")
	v.SetDefault("tracker.archive_prefix", "results")
	v.SetDefault("rate_limit.max_wait_seconds", 30)
	v.SetDefault("rate_limit.token_ttl_seconds", 2)
	v.SetDefault("rate_limit.poll_interval_ms", 100)
	v.SetDefault("rate_limit.jitter_ms", 50)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("webhook.rps", 5)
	v.SetDefault("webhook.burst", 10)
	v.SetDefault("database.table", "orchestrator_jobs")
	v.SetDefault("database.migrate", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local.base_dir", "data/results")
	v.SetDefault("pubsub.topic_name", "job-completions")
	v.SetDefault("telemetry.service_name", "automation-orchestrator")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis store")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", c.Store.Backend)
	}
	if c.Queue.LockTTLSeconds <= 0 {
		return fmt.Errorf("queue.lock_ttl_seconds must be > 0")
	}
	if c.Runner.TimeoutSeconds <= 0 {
		return fmt.Errorf("runner.timeout_seconds must be > 0")
	}
	if c.Runner.RateLimitIntervalMs < 0 {
		return fmt.Errorf("runner.rate_limit_interval_ms must be >= 0")
	}
	for jobType, agent := range c.Runner.Agents {
		if strings.TrimSpace(agent.ID) == "" {
			return fmt.Errorf("runner.agents.%s.id is required", jobType)
		}
	}
	if c.Tracker.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("tracker.job_timeout_seconds must be > 0")
	}
	if c.Tracker.BackstopDelaySeconds <= c.Tracker.InitialDelaySeconds {
		return fmt.Errorf("tracker.backstop_delay_seconds must exceed tracker.initial_delay_seconds")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "none":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local, gcs, or none, got %q", c.Storage.Backend)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// LockTTL returns the processing lock TTL.
func (c Config) LockTTL() time.Duration { return seconds(c.Queue.LockTTLSeconds) }

// RunnerTimeout returns the per-request runner timeout.
func (c Config) RunnerTimeout() time.Duration { return seconds(c.Runner.TimeoutSeconds) }

// RunnerInterval returns the minimum spacing between runner API calls.
func (c Config) RunnerInterval() time.Duration { return millis(c.Runner.RateLimitIntervalMs) }

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration { return seconds(c.Server.ShutdownTimeoutSeconds) }
