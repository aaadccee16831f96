package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/workqueue/internal/archive"
	"github.com/ent0n29/workqueue/internal/config"
	"github.com/ent0n29/workqueue/internal/notify"
	"github.com/ent0n29/workqueue/internal/observability"
	"github.com/ent0n29/workqueue/internal/queue"
)

// QueueRegistry resolves named queue managers.
type QueueRegistry interface {
	Get(id string) (*queue.Manager, bool)
	List() []*queue.Manager
}

// JobBuilder turns a submitted job description into a queue task.
type JobBuilder interface {
	Build(kind, label string, params json.RawMessage) (queue.Task, error)
	Kinds() []string
}

type Deps struct {
	Queues   QueueRegistry
	Jobs     JobBuilder
	Bus      *notify.Bus
	Alerts   *notify.AlertFeed
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	// Archive is nil when no database is configured.
	Archive archive.Store
	Logger  *slog.Logger
	// TaskContext is passed to every task enqueued over HTTP. It outlives
	// the request and is canceled on shutdown.
	TaskContext context.Context
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.TaskContext == nil {
		deps.TaskContext = context.Background()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin browsers only, unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.deps.Gatherer).ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/alerts", s.handleListAlerts)
	r.Get("/v1/jobs/kinds", s.handleListKinds)

	r.Get("/v1/queues", s.handleListQueues)
	r.Route("/v1/queues/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetQueue)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/cancel-queued", s.handleCancelQueued)
		r.Delete("/history", s.handleClearHistory)
		r.Get("/events", s.handleListEvents)
		r.Get("/archive", s.handleListArchive)
		r.Get("/archive/{taskID}", s.handleGetArchived)
		r.Get("/ws", s.handleQueueWS)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Post("/tasks/{taskID}/cancel", s.handleCancelTask)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"queues":       len(s.queueList()),
		"archive_mode": s.archiveMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Queues == nil || len(s.deps.Queues.List()) == 0 {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no queues configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"queues":       len(s.queueList()),
		"archive_mode": s.archiveMode(),
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := []queue.Alert{}
	if s.deps.Alerts != nil {
		alerts = s.deps.Alerts.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleListKinds(w http.ResponseWriter, _ *http.Request) {
	kinds := []string{}
	if s.deps.Jobs != nil {
		kinds = s.deps.Jobs.Kinds()
	}
	respondJSON(w, http.StatusOK, map[string]any{"kinds": kinds})
}

// lookupQueue writes a 404 and returns false when the {id} queue is unknown.
func (s *Server) lookupQueue(w http.ResponseWriter, r *http.Request) (*queue.Manager, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_queue_id", "missing queue id")
		return nil, false
	}
	if s.deps.Queues == nil {
		respondError(w, http.StatusNotFound, "queue_not_found", "queue "+strconv.Quote(id)+" not found")
		return nil, false
	}
	m, ok := s.deps.Queues.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "queue_not_found", "queue "+strconv.Quote(id)+" not found")
		return nil, false
	}
	return m, true
}

func (s *Server) queueList() []*queue.Manager {
	if s.deps.Queues == nil {
		return nil
	}
	return s.deps.Queues.List()
}

func (s *Server) archiveMode() string {
	switch s.deps.Archive.(type) {
	case nil:
		return "disabled"
	case *archive.MemoryStore:
		return "memory"
	default:
		return "postgres"
	}
}

// parseLimit reads ?limit=, returning fallback when absent and clamping to max.
func parseLimit(r *http.Request, fallback, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
