package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/logging"
)

func TestManager_RunNow(t *testing.T) {
	m := NewManager(t.Context())
	m.Register("expire-intents", 0, func(ctx context.Context, logger logging.InternalLogger) error {
		logger.Info("expired %d intents", 3)
		return nil
	})

	require.NoError(t, m.RunNow(t.Context(), "expire-intents"))

	logs, err := m.GetLogs("expire-intents")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "starting task execution", logs[0].Message)
	assert.Equal(t, "expired 3 intents", logs[1].Message)
	assert.Equal(t, "info", logs[2].Level)

	status := m.ListStatus()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Runs)
	assert.Equal(t, "success", status[0].LastResult)
	assert.Empty(t, status[0].Interval)
	assert.True(t, status[0].NextRun.IsZero())
}

func TestManager_RunNowFailure(t *testing.T) {
	m := NewManager(t.Context())
	m.Register("broken", 0, func(context.Context, logging.InternalLogger) error {
		return errors.New("store unavailable")
	})

	err := m.RunNow(t.Context(), "broken")
	require.EqualError(t, err, "store unavailable")

	status := m.ListStatus()
	assert.Equal(t, "failed: store unavailable", status[0].LastResult)

	logs, err := m.GetLogs("broken")
	require.NoError(t, err)
	assert.Equal(t, "error", logs[len(logs)-1].Level)
}

func TestManager_UnknownTask(t *testing.T) {
	m := NewManager(t.Context())

	var notFound TaskNotFoundError
	assert.ErrorAs(t, m.Trigger("nope"), &notFound)
	assert.ErrorAs(t, m.RunNow(t.Context(), "nope"), &notFound)
	_, err := m.GetLogs("nope")
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.Name)
}

func TestManager_TriggerWhileRunning(t *testing.T) {
	m := NewManager(t.Context())

	started := make(chan struct{})
	release := make(chan struct{})
	m.Register("slow", 0, func(context.Context, logging.InternalLogger) error {
		close(started)
		<-release
		return nil
	})

	require.NoError(t, m.Trigger("slow"))
	<-started

	var running AlreadyRunningError
	assert.ErrorAs(t, m.Trigger("slow"), &running)
	assert.ErrorAs(t, m.RunNow(t.Context(), "slow"), &running)
	assert.True(t, m.ListStatus()[0].Running)

	close(release)
	assert.Eventually(t, func() bool {
		s := m.ListStatus()[0]
		return !s.Running && s.Runs == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_Scheduled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	m := NewManager(ctx)

	var runs atomic.Int32
	m.Register("sweep", 10*time.Millisecond, func(context.Context, logging.InternalLogger) error {
		runs.Add(1)
		return nil
	})

	status := m.ListStatus()[0]
	assert.Equal(t, "10ms", status.Interval)
	assert.False(t, status.NextRun.IsZero())

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	m.Wait()
}

func TestManager_ListStatusSorted(t *testing.T) {
	m := NewManager(t.Context())
	noop := func(context.Context, logging.InternalLogger) error { return nil }
	m.Register("prune-visitors", 0, noop)
	m.Register("expire-claims", 0, noop)
	m.Register("expire-intents", 0, noop)

	var names []string
	for _, s := range m.ListStatus() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"expire-claims", "expire-intents", "prune-visitors"}, names)
}

func TestRunnableTask_LogBufferBounded(t *testing.T) {
	m := NewManager(t.Context())
	m.Register("chatty", 0, func(_ context.Context, logger logging.InternalLogger) error {
		for i := range MaxLogsPerTask + 10 {
			logger.Info("line %d", i)
		}
		return nil
	})
	require.NoError(t, m.RunNow(t.Context(), "chatty"))

	logs, err := m.GetLogs("chatty")
	require.NoError(t, err)
	assert.Len(t, logs, MaxLogsPerTask)
	assert.Contains(t, logs[len(logs)-1].Message, "task completed successfully")
}
