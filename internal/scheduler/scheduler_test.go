package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerRunsTaskAfterDelay(t *testing.T) {
	t.Parallel()

	timer := NewTimer(time.Second, nil)
	t.Cleanup(timer.Stop)

	done := make(chan bool, 1)
	timer.After(10*time.Millisecond, "check", func(ctx context.Context) {
		_, hasDeadline := ctx.Deadline()
		done <- hasDeadline
	})

	select {
	case hasDeadline := <-done:
		require.True(t, hasDeadline)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return timer.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerStopDropsPendingTasks(t *testing.T) {
	t.Parallel()

	timer := NewTimer(0, nil)
	var ran atomic.Bool
	timer.After(time.Hour, "backstop", func(context.Context) { ran.Store(true) })
	require.Equal(t, 1, timer.Pending())

	timer.Stop()
	require.Zero(t, timer.Pending())
	require.False(t, ran.Load())

	timer.After(time.Millisecond, "late", func(context.Context) { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	require.False(t, ran.Load())
}

func TestTimerRecoversPanics(t *testing.T) {
	t.Parallel()

	timer := NewTimer(0, nil)
	t.Cleanup(timer.Stop)

	var after atomic.Bool
	timer.After(time.Millisecond, "boom", func(context.Context) { panic("boom") })
	timer.After(5*time.Millisecond, "after", func(context.Context) { after.Store(true) })
	require.Eventually(t, after.Load, time.Second, 5*time.Millisecond)
}

func TestCronRunsAndStops(t *testing.T) {
	t.Parallel()

	c := NewCron(nil)
	var runs atomic.Int32
	require.NoError(t, c.Add("@every 1s", "sweep", func(context.Context) { runs.Add(1) }))
	require.Error(t, c.Add("every tuesday-ish", "bad", func(context.Context) {}))

	c.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestManualOrdersByDelay(t *testing.T) {
	t.Parallel()

	m := NewManual()
	var order []string
	record := func(name string) func(context.Context) {
		return func(context.Context) { order = append(order, name) }
	}
	m.After(660*time.Second, "backstop", record("backstop"))
	m.After(10*time.Second, "check", record("check"))
	m.After(10*time.Second, "check-2", record("check-2"))

	pending := m.Pending()
	require.Len(t, pending, 3)
	require.Equal(t, "check", pending[0].Name)

	task, ok := m.RunNamed(context.Background(), "backstop")
	require.True(t, ok)
	require.Equal(t, 660*time.Second, task.Delay)

	for {
		if _, ok := m.RunNext(context.Background()); !ok {
			break
		}
	}
	require.Equal(t, []string{"backstop", "check", "check-2"}, order)
	_, ok = m.RunNamed(context.Background(), "missing")
	require.False(t, ok)
}
