package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type RunnableTask struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Handler  TaskFunc

	registeredAt time.Time

	mu         sync.RWMutex
	running    bool
	runs       int
	lastRun    time.Time
	lastResult string
	logs       []LogEntry
}

// tryStart marks the task as running. It returns false if a run is in progress.
func (t *RunnableTask) tryStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.running = true
	t.logs = make([]LogEntry, 0)
	return true
}

// Run executes the handler once, unless a run is already in progress.
func (t *RunnableTask) Run(ctx context.Context) error {
	l := log.With().Str("task", t.Name).Logger()
	if !t.tryStart() {
		l.Warn().Msg("task is already running, skipping execution")
		return AlreadyRunningError{Name: t.Name}
	}
	return t.run(ctx)
}

func (t *RunnableTask) run(ctx context.Context) error {
	l := log.With().Str("task", t.Name).Logger()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.runs++
		t.lastRun = time.Now()
		t.mu.Unlock()
	}()

	taskLogger := newRunLogger(t, l)
	taskLogger.Info("starting task execution")

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := t.Handler(ctx, taskLogger)
	duration := time.Since(start)

	t.mu.Lock()
	if err != nil {
		t.lastResult = fmt.Sprintf("failed: %v", err)
	} else {
		t.lastResult = "success"
	}
	t.mu.Unlock()

	if err != nil {
		taskLogger.Error("task failed after %s: %v", duration, err)
	} else {
		taskLogger.Info("task completed successfully in %s", duration)
	}
	return err
}

func (t *RunnableTask) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := TaskStatus{
		Name:       t.Name,
		Running:    t.running,
		Runs:       t.runs,
		LastRun:    t.lastRun,
		LastResult: t.lastResult,
	}
	if t.Interval > 0 {
		s.Interval = t.Interval.String()
		if !t.lastRun.IsZero() {
			s.NextRun = t.lastRun.Add(t.Interval)
		} else {
			s.NextRun = t.registeredAt.Add(t.Interval)
		}
	}
	return s
}

func (t *RunnableTask) Logs() []LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cpy := make([]LogEntry, len(t.logs))
	copy(cpy, t.logs)
	return cpy
}

func (t *RunnableTask) appendLog(level, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logs = append(t.logs, LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
	})
	if len(t.logs) > MaxLogsPerTask {
		t.logs = t.logs[1:]
	}
}
