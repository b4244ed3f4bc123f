package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/jobcore/internal/jobspec"
	"github.com/ent0n29/jobcore/internal/taskruntime"
	"github.com/ent0n29/jobcore/internal/tasks"
)

const deleteWaitSlack = 10 * time.Second

type controlRequest struct {
	CauseID string `json:"cause_id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec jobspec.Spec
	if err := decodeJSON(r, &spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, res := s.runtime.CreateTask(r.Context(), taskruntime.CreateRequest{Spec: spec})
	if !res.OK {
		respondError(w, http.StatusBadRequest, "task_create_failed", res.Message)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

// taskIDOr404 resolves the {id} path parameter to a known task.
func (s *Server) taskIDOr404(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return "", false
	}
	if _, err := s.runtime.GetSnapshot(taskID); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return "", false
		}
		respondError(w, http.StatusBadRequest, "task_get_failed", err.Error())
		return "", false
	}
	return taskID, true
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDOr404(w, r)
	if !ok {
		return
	}
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondResult(w, "task_start_refused", s.runtime.StartTask(r.Context(), taskID, req.CauseID))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDOr404(w, r)
	if !ok {
		return
	}
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondResult(w, "task_cancel_refused", s.runtime.CancelTask(r.Context(), taskID, req.CauseID))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDOr404(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TerminateGrace+deleteWaitSlack)
	defer cancel()
	s.respondResult(w, "task_delete_refused", s.runtime.DeleteTask(ctx, taskID))
}

func (s *Server) respondResult(w http.ResponseWriter, code string, res taskruntime.Result) {
	if !res.OK {
		respondError(w, http.StatusConflict, code, res.Message)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.runtime.Get(taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	state := tasks.TaskState(strings.TrimSpace(r.URL.Query().Get("state")))
	if state != "" && !state.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_request", "unknown state filter")
		return
	}
	all := s.runtime.ListTasks()
	out := make([]taskruntime.Task, 0, len(all))
	for _, t := range all {
		if state == "" || t.Snapshot.State == state {
			out = append(out, t)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	transitions, err := s.runtime.ListTransitions(taskID, limit)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_transitions_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id":     taskID,
		"transitions": transitions,
	})
}
