package tasks

import "fmt"

type TaskNotFoundError struct {
	Name string
}

func (e TaskNotFoundError) Error() string {
	return fmt.Sprintf("task '%s' not found", e.Name)
}

// AlreadyRunningError is returned by RunNow when the task is mid-run.
type AlreadyRunningError struct {
	Name string
}

func (e AlreadyRunningError) Error() string {
	return fmt.Sprintf("task '%s' is already running", e.Name)
}
