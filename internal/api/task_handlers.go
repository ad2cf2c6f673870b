package api

import (
	"errors"
	"net/http"

	"github.com/TD-Producoes/revshare-sub005/internal/api/presenter"
	"github.com/TD-Producoes/revshare-sub005/internal/tasks"
)

// handleListTasks responds with the list of tasks and their statuses.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	presenter.JSON(w, r, s.taskManager.ListStatus(), http.StatusOK)
}

func taskErrorStatus(err error) int {
	var notFound tasks.TaskNotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var running tasks.AlreadyRunningError
	if errors.As(err, &running) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// handleTriggerTask starts a task run in the background.
func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	if err := s.taskManager.Trigger(r.PathValue("name")); err != nil {
		presenter.Error(w, r, err.Error(), taskErrorStatus(err))
		return
	}
	presenter.JSON(w, r, TriggerTaskResponse{
		Status: "triggered",
	}, http.StatusAccepted)
}

// handleLogsForTask retrieves logs for a specific task.
func (s *Server) handleLogsForTask(w http.ResponseWriter, r *http.Request) {
	logs, err := s.taskManager.GetLogs(r.PathValue("name"))
	if err != nil {
		presenter.Error(w, r, err.Error(), taskErrorStatus(err))
		return
	}
	presenter.JSON(w, r, logs, http.StatusOK)
}
