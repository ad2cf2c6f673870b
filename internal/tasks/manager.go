// Package tasks runs named background jobs on an interval and on demand.
package tasks

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	MaxLogsPerTask = 1000
	DefaultTimeout = 5 * time.Minute
)

type Manager struct {
	tasks sync.Map

	// ctx bounds scheduled and triggered runs.
	ctx context.Context
	wg  sync.WaitGroup
}

// NewManager creates a manager whose schedulers stop when ctx is done.
func NewManager(ctx context.Context) *Manager {
	return &Manager{ctx: ctx}
}

// Register adds a task. An interval of zero registers a trigger-only task.
func (m *Manager) Register(name string, interval time.Duration, fn TaskFunc) *RunnableTask {
	task := &RunnableTask{
		Name:         name,
		Interval:     interval,
		Handler:      fn,
		registeredAt: time.Now(),
		logs:         make([]LogEntry, 0),
	}
	m.tasks.Store(name, task)

	if interval > 0 {
		m.wg.Add(1)
		go m.scheduler(task)
	}
	return task
}

func (m *Manager) get(name string) (*RunnableTask, error) {
	t, ok := m.tasks.Load(name)
	if !ok {
		return nil, TaskNotFoundError{Name: name}
	}
	return t.(*RunnableTask), nil
}

// Trigger starts a run in the background.
func (m *Manager) Trigger(name string) error {
	task, err := m.get(name)
	if err != nil {
		return err
	}
	if !task.tryStart() {
		return AlreadyRunningError{Name: name}
	}
	go func() {
		_ = task.run(m.ctx)
	}()
	return nil
}

// RunNow runs a task synchronously and returns its error.
func (m *Manager) RunNow(ctx context.Context, name string) error {
	task, err := m.get(name)
	if err != nil {
		return err
	}
	return task.Run(ctx)
}

// ListStatus returns the status of every task ordered by name.
func (m *Manager) ListStatus() []TaskStatus {
	var list []TaskStatus
	m.tasks.Range(func(_, value any) bool {
		list = append(list, value.(*RunnableTask).Status())
		return true
	})
	slices.SortFunc(list, func(a, b TaskStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return list
}

func (m *Manager) GetLogs(name string) ([]LogEntry, error) {
	task, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return task.Logs(), nil
}

// Wait blocks until every scheduler has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) scheduler(task *RunnableTask) {
	defer m.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			_ = task.Run(m.ctx)
		}
	}
}
