// Package scheduler runs deferred and periodic work for the tracker: one-shot
// timers for poll re-checks, cron entries for sweeps, and a manual scheduler
// that tests drive by hand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timer schedules one-shot tasks with time.AfterFunc. Tasks run under a base
// context that Stop cancels, so a task that fires after shutdown sees a done context.
type Timer struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	running sync.WaitGroup
	stopped bool
}

// NewTimer creates a Timer. Each task gets at most timeout to run; zero means no limit.
func NewTimer(timeout time.Duration, logger *zap.Logger) *Timer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Timer{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
		pending: make(map[*time.Timer]struct{}),
	}
}

// After runs fn once after d. It never blocks the caller.
func (t *Timer) After(d time.Duration, name string, fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		t.logger.Warn("scheduler stopped, dropping task", zap.String("task", name))
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.pending, timer)
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.running.Add(1)
		t.mu.Unlock()
		defer t.running.Done()
		t.run(name, fn)
	})
	t.pending[timer] = struct{}{}
}

func (t *Timer) run(name string, fn func(ctx context.Context)) {
	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("scheduled task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	t.logger.Debug("running scheduled task", zap.String("task", name))
	fn(ctx)
}

// Pending returns the number of tasks that have not fired yet.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels pending tasks and waits for running ones to return.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	for timer := range t.pending {
		timer.Stop()
	}
	dropped := len(t.pending)
	t.pending = make(map[*time.Timer]struct{})
	t.mu.Unlock()

	t.cancel()
	t.running.Wait()
	if dropped > 0 {
		t.logger.Info("scheduler stopped with pending tasks", zap.Int("dropped", dropped))
	}
}
