package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron runs named periodic tasks on cron specs ("@every 1m", "*/5 * * * *").
type Cron struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	once   sync.Once
}

// NewCron creates a stopped Cron scheduler.
func NewCron(logger *zap.Logger) *Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add registers fn under the cron schedule expr. Overlapping runs of the same task are skipped.
func (c *Cron) Add(expr, name string, fn func(ctx context.Context)) error {
	_, err := c.cron.AddFunc(expr, func() {
		c.logger.Debug("running cron task", zap.String("task", name))
		fn(c.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	return nil
}

// Start begins running registered tasks in the background.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts the schedule, cancels the task context, and waits for running tasks.
func (c *Cron) Stop() {
	c.once.Do(func() {
		done := c.cron.Stop()
		c.cancel()
		<-done.Done()
	})
}
