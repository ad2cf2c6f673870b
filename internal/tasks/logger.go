package tasks

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/TD-Producoes/revshare-sub005/internal/logging"
)

var _ logging.InternalLogger = (*runLogger)(nil)

// runLogger keeps log lines on the task so the last run can be inspected remotely.
type runLogger struct {
	task *RunnableTask
}

func (t runLogger) Info(format string, args ...any) {
	t.task.appendLog("info", fmt.Sprintf(format, args...))
}

func (t runLogger) Warn(format string, args ...any) {
	t.task.appendLog("warn", fmt.Sprintf(format, args...))
}

func (t runLogger) Error(format string, args ...any) {
	t.task.appendLog("error", fmt.Sprintf(format, args...))
}

// newRunLogger writes to zerolog first, then to the task log buffer.
func newRunLogger(task *RunnableTask, zlog zerolog.Logger) logging.MultiLogger {
	return logging.NewMultiLogger(
		logging.NewZLogger(zlog),
		runLogger{task: task},
	)
}
