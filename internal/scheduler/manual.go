package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Task is a deferred call recorded by Manual.
type Task struct {
	Name  string
	Delay time.Duration
	Fn    func(ctx context.Context)
	seq   int
}

// Manual records scheduled tasks and runs them only when asked.
type Manual struct {
	mu    sync.Mutex
	tasks []Task
	seq   int
}

// NewManual creates an empty Manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// After records fn.
func (m *Manual) After(d time.Duration, name string, fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.tasks = append(m.tasks, Task{Name: name, Delay: d, Fn: fn, seq: m.seq})
}

// Pending returns a copy of the recorded tasks ordered by delay then insertion.
func (m *Manual) Pending() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Task(nil), m.tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Delay != out[j].Delay {
			return out[i].Delay < out[j].Delay
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// RunNext removes and runs the task with the shortest delay. It reports false when none remain.
func (m *Manual) RunNext(ctx context.Context) (Task, bool) {
	m.mu.Lock()
	if len(m.tasks) == 0 {
		m.mu.Unlock()
		return Task{}, false
	}
	best := 0
	for i, task := range m.tasks {
		b := m.tasks[best]
		if task.Delay < b.Delay || (task.Delay == b.Delay && task.seq < b.seq) {
			best = i
		}
	}
	task := m.tasks[best]
	m.tasks = append(m.tasks[:best], m.tasks[best+1:]...)
	m.mu.Unlock()

	task.Fn(ctx)
	return task, true
}

// RunNamed removes and runs the first task called name.
func (m *Manual) RunNamed(ctx context.Context, name string) (Task, bool) {
	m.mu.Lock()
	idx := -1
	for i, task := range m.tasks {
		if task.Name == name && (idx == -1 || task.seq < m.tasks[idx].seq) {
			idx = i
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return Task{}, false
	}
	task := m.tasks[idx]
	m.tasks = append(m.tasks[:idx], m.tasks[idx+1:]...)
	m.mu.Unlock()

	task.Fn(ctx)
	return task, true
}
