package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/workqueue/internal/archive"
	"github.com/ent0n29/workqueue/internal/queue"
)

type queueSummary struct {
	ID       string         `json:"id"`
	Settings queue.Settings `json:"settings"`
	Stats    queue.Stats    `json:"stats"`
}

type settingsRequest struct {
	MaxConcurrency  *int `json:"max_concurrency"`
	MaxQueueHistory *int `json:"max_queue_history"`
}

func summarize(m *queue.Manager) queueSummary {
	return queueSummary{ID: m.ID(), Settings: m.Settings(), Stats: m.Stats()}
}

func (s *Server) handleListQueues(w http.ResponseWriter, _ *http.Request) {
	managers := s.queueList()
	out := make([]queueSummary, 0, len(managers))
	for _, m := range managers {
		out = append(out, summarize(m))
	}
	respondJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, summarize(m))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, m.Settings())
}

// handlePutSettings applies whichever fields are present. Out-of-range
// values are clamped by the manager.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.MaxConcurrency == nil && req.MaxQueueHistory == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "max_concurrency or max_queue_history is required")
		return
	}
	if req.MaxConcurrency != nil {
		m.SetConcurrency(*req.MaxConcurrency)
	}
	if req.MaxQueueHistory != nil {
		m.SetQueueHistory(*req.MaxQueueHistory)
	}
	respondJSON(w, http.StatusOK, m.Settings())
}

func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	canceled := m.CancelAllQueued()
	if canceled == nil {
		canceled = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_id": m.ID(),
		"canceled": canceled,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	m.ClearFinishedHistory()
	respondJSON(w, http.StatusOK, summarize(m))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r, 100, 500)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	events := []queue.Event{}
	if s.deps.Bus != nil {
		events = s.deps.Bus.Recent(m.ID(), limit)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_id": m.ID(),
		"events":   events,
	})
}

func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	if s.deps.Archive == nil {
		respondError(w, http.StatusNotImplemented, "archive_disabled", "Archive is disabled.")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	entry, err := s.deps.Archive.GetRecord(ctx, chi.URLParam(r, "taskID"))
	if err == nil && entry.QueueID != m.ID() {
		err = archive.ErrStoreNotFound
	}
	switch {
	case errors.Is(err, archive.ErrStoreNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", "Task is not in the archive.")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "archive_timeout", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "archive_failed", err.Error())
	default:
		respondJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	if s.deps.Archive == nil {
		respondError(w, http.StatusNotImplemented, "archive_disabled", "Archive is disabled.")
		return
	}
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	entries, err := s.deps.Archive.ListRecords(ctx, m.ID(), limit)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			respondError(w, http.StatusGatewayTimeout, "archive_timeout", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "archive_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_id": m.ID(),
		"records":  entries,
	})
}
