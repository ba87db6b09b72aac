// Package server builds the orchestrator's dependencies and runs its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/api"
	"github.com/JakeFAU/automation-orchestrator/internal/clock/system"
	"github.com/JakeFAU/automation-orchestrator/internal/config"
	"github.com/JakeFAU/automation-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/automation-orchestrator/internal/logging"
	"github.com/JakeFAU/automation-orchestrator/internal/metrics"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/automation-orchestrator/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/automation-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/automation-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/automation-orchestrator/internal/queue"
	"github.com/JakeFAU/automation-orchestrator/internal/retry"
	"github.com/JakeFAU/automation-orchestrator/internal/runner"
	"github.com/JakeFAU/automation-orchestrator/internal/scheduler"
	sharedmemory "github.com/JakeFAU/automation-orchestrator/internal/sharedstore/memory"
	sharedredis "github.com/JakeFAU/automation-orchestrator/internal/sharedstore/redis"
	gcsstorage "github.com/JakeFAU/automation-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/automation-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/automation-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/automation-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/automation-orchestrator/internal/telemetry"
	"github.com/JakeFAU/automation-orchestrator/internal/tracker"
)

// taskTimeout bounds one scheduled poll, backstop, or sweep.
const taskTimeout = 5 * time.Minute

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	store     orchestrator.SharedStore
	jobs      orchestrator.JobStore
	blobs     orchestrator.BlobStore
	publisher orchestrator.Publisher

	Queue   *queue.Queue
	Tracker *tracker.Tracker
	Runner  *runner.Client

	apiServer *api.Server
	timer     *scheduler.Timer
	cron      *scheduler.Cron

	closers   []func() error
	closeOnce sync.Once
}

// Build creates the application's dependencies. Close must be called to
// release the connections it opens.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("storage", cfg.Storage.Backend),
	)

	steps := []func(context.Context) error{
		app.setupTracing,
		app.setupSharedStore,
		app.setupJobStore,
		app.setupStorage,
		app.setupPublisher,
		app.setupPipeline,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupTracing(ctx context.Context) error {
	shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.cfg.Telemetry.Version,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	if a.cfg.Telemetry.ProjectID != "" {
		a.logger.Info("exporting traces to Cloud Trace", zap.String("project", a.cfg.Telemetry.ProjectID))
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

func (a *App) setupSharedStore(ctx context.Context) error {
	if a.cfg.Store.Backend == "memory" {
		a.logger.Warn("using in-memory shared store; queue state is not shared across processes")
		a.store = sharedmemory.New(a.clock)
		return nil
	}
	store, err := sharedredis.Dial(ctx, sharedredis.Config{
		Addr:      a.cfg.Redis.Addr,
		Password:  a.cfg.Redis.Password,
		DB:        a.cfg.Redis.DB,
		KeyPrefix: a.cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("shared store init failed: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.store = store
	a.logger.Info("redis shared store connected", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupJobStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, job records are kept in memory")
		a.jobs = memorystorage.NewJobStore()
		return nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	if a.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("job store migrate failed: %w", err)
		}
	}
	a.jobs = store
	a.logger.Info("postgres job store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.blobs = store
		a.logger.Info("using GCS result archive", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local result archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
	case "none":
		a.logger.Info("result archive disabled")
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory result archive")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger.Named("pubsub"))
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupPipeline(context.Context) error {
	limiter := ratelimit.NewGlobal(a.store, a.clock, a.clock, a.cfg.RateLimitSettings(), a.logger.Named("ratelimit"))
	retrier := retry.New(a.cfg.RetrySettings(), a.clock, a.logger.Named("retry"))

	client, err := runner.NewClient(runner.Config{
		BaseURL:      a.cfg.Runner.BaseURL,
		APIKey:       a.cfg.Runner.APIKey,
		APIKeyHeader: a.cfg.Runner.APIKeyHeader,
		Timeout:      a.cfg.RunnerTimeout(),
		MinInterval:  a.cfg.RunnerInterval(),
	}, nil, limiter, retrier, a.clock, a.logger.Named("runner"))
	if err != nil {
		return fmt.Errorf("runner client init failed: %w", err)
	}
	a.Runner = client
	launcher := runner.NewLauncher(client, a.cfg.Runner.Agents, a.cfg.Runner.WebhookURL, a.logger.Named("launcher"))

	a.Queue = queue.New(a.store, a.clock, uuid.New(), queue.Config{LockTTL: a.cfg.LockTTL()}, a.logger.Named("queue"))
	a.Queue.SetValidator(launcher.Validate)

	a.timer = scheduler.NewTimer(taskTimeout, a.logger.Named("scheduler"))
	deps := tracker.Deps{
		Launcher:  launcher,
		Runner:    client,
		Jobs:      a.jobs,
		Store:     a.store,
		Queue:     a.Queue,
		Scheduler: a.timer,
		Clock:     a.clock,
		Publisher: a.publisher,
	}
	if a.blobs != nil {
		deps.Blobs = a.blobs
	}
	a.Tracker, err = tracker.New(deps, a.cfg.TrackerSettings(), a.logger.Named("tracker"))
	if err != nil {
		return fmt.Errorf("tracker init failed: %w", err)
	}
	a.Queue.SetStarter(a.Tracker)

	a.cron = scheduler.NewCron(a.logger.Named("cron"))
	if err := a.cron.Add(a.cfg.Tracker.SweepSchedule, "sweep", func(ctx context.Context) {
		if _, err := a.Tracker.Sweep(ctx); err != nil {
			a.logger.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	throttle := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Webhook.RPS,
		DefaultBurst: a.cfg.Webhook.Burst,
	})
	a.apiServer = api.NewServer(a.Queue, a.Tracker, a.jobs, throttle, a.cfg, a.logger.Named("api"))
	return nil
}

// Run serves HTTP, drives the sweep, and blocks until the context is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.cron.Start()

	// Entries enqueued while no process was running start now.
	if _, err := a.Queue.ProcessNext(ctx); err != nil {
		a.logger.Warn("initial queue drain failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           otelhttp.NewHandler(a.apiServer.Handler(), "orchestrator"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close()
}

// Close stops the schedulers and releases every connection. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.cron != nil {
			a.cron.Stop()
		}
		if a.timer != nil {
			a.timer.Stop()
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
		// Sync fails on stderr/stdout sinks; nothing to do about it at exit.
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
