package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/workqueue/internal/jobs"
	"github.com/ent0n29/workqueue/internal/queue"
)

type createTaskRequest struct {
	Kind   string          `json:"kind"`
	Label  string          `json:"label"`
	Params json.RawMessage `json:"params"`
}

type createTaskResponse struct {
	TaskID  string       `json:"task_id"`
	QueueID string       `json:"queue_id"`
	Status  queue.Status `json:"status"`
	Label   string       `json:"label"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	if s.deps.Jobs == nil {
		respondError(w, http.StatusNotImplemented, "jobs_disabled", "No job kinds are registered.")
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "kind is required")
		return
	}

	task, err := s.deps.Jobs.Build(req.Kind, req.Label, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrUnknownKind):
			respondError(w, http.StatusBadRequest, "unknown_kind", err.Error())
		case errors.Is(err, jobs.ErrInvalidParams):
			respondError(w, http.StatusBadRequest, "invalid_params", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		}
		return
	}

	h := m.Enqueue(s.deps.TaskContext, task)
	status := queue.StatusQueued
	label := task.Label
	if rec, ok := m.Task(h.ID()); ok {
		status = rec.Status
		label = rec.Label
	}
	respondJSON(w, http.StatusAccepted, createTaskResponse{
		TaskID:  h.ID(),
		QueueID: m.ID(),
		Status:  status,
		Label:   label,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	status := queue.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	records := m.Tasks()
	if status != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Status == status {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_id": m.ID(),
		"tasks":    records,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	rec, ok := m.Task(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "task not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleCancelTask only succeeds for queued tasks; running and finished
// tasks report a conflict.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if !m.CancelQueuedTask(taskID) {
		if _, exists := m.Task(taskID); !exists {
			respondError(w, http.StatusNotFound, "task_not_found", "task not found")
			return
		}
		respondError(w, http.StatusConflict, "task_not_queued", "only queued tasks can be canceled")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id":  taskID,
		"canceled": true,
	})
}
