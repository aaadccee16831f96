package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/workqueue/internal/reliability"
)

var ErrNoExecute = errors.New("task has no execute function")

type entry struct {
	rec       Record
	done      chan struct{}
	finishSeq uint64
}

type pendingEntry struct {
	id  string
	run func() error
}

// Manager runs enqueued tasks in FIFO order with at most MaxConcurrency of
// them executing at once, and keeps a bounded history of finished records.
type Manager struct {
	mu sync.Mutex

	id              string
	maxConcurrency  int
	maxQueueHistory int
	active          int

	pending   []pendingEntry
	records   []*entry
	byID      map[string]*entry
	finishSeq uint64

	idle       chan struct{}
	idleClosed bool

	publisher Publisher
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time
}

func New(id string, opts ...Option) *Manager {
	idle := make(chan struct{})
	close(idle)
	m := &Manager{
		id:              strings.TrimSpace(id),
		maxConcurrency:  DefaultMaxConcurrency,
		maxQueueHistory: DefaultMaxQueueHistory,
		byID:            make(map[string]*entry),
		idle:            idle,
		idleClosed:      true,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue", "queue_id", m.id)
	return m
}

func (m *Manager) ID() string {
	return m.id
}

// Enqueue accepts a task and starts it as soon as capacity allows. ctx is
// handed to the task's Execute function when it runs.
func (m *Manager) Enqueue(ctx context.Context, task Task) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	label := strings.TrimSpace(task.Label)
	if label == "" {
		label = "task"
	}
	execute := task.Execute

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := &entry{
		rec: Record{
			ID:         newTaskID(),
			Label:      label,
			Status:     StatusQueued,
			EnqueuedAt: now,
			Cancel:     task.Cancel,
		},
		done: make(chan struct{}),
	}
	m.records = append(m.records, e)
	m.byID[e.rec.ID] = e
	m.pending = append(m.pending, pendingEntry{
		id: e.rec.ID,
		run: func() error {
			return m.runSafely(ctx, e.rec.ID, execute)
		},
	})
	m.markBusyLocked()

	m.publishTaskLocked(EventQueued, e, now)
	m.pumpLocked()
	m.trimLocked()

	return &Handle{entry: e}
}

func (m *Manager) SetConcurrency(n int) {
	n = clampConcurrency(n)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.maxConcurrency = n
	m.publishSettingLocked(SettingMaxConcurrency, n)
	m.pumpLocked()
}

func (m *Manager) SetQueueHistory(n int) {
	n = clampHistory(n)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.maxQueueHistory = n
	m.publishSettingLocked(SettingMaxQueueHistory, n)
	m.trimLocked()
}

func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Settings{
		MaxConcurrency:  m.maxConcurrency,
		MaxQueueHistory: m.maxQueueHistory,
	}
}

// Tasks returns copies of all retained records in enqueue order.
func (m *Manager) Tasks() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, e := range m.records {
		out = append(out, e.rec.Clone())
	}
	return out
}

func (m *Manager) Task(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[strings.TrimSpace(id)]
	if !ok {
		return Record{}, false
	}
	return e.rec.Clone(), true
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, e := range m.records {
		switch e.rec.Status {
		case StatusQueued:
			st.Queued++
		case StatusRunning:
			st.Running++
		default:
			st.Finished++
		}
	}
	st.Active = m.active
	return st
}

// CancelQueuedTask cancels a task that has not started yet. It reports false
// without changing anything when the id is unknown, running or finished.
func (m *Manager) CancelQueuedTask(id string) bool {
	id = strings.TrimSpace(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok || e.rec.Status != StatusQueued {
		return false
	}
	m.removePendingLocked(id)
	m.cancelLocked(e, m.now())
	m.trimLocked()
	m.signalIdleLocked()
	return true
}

// CancelAllQueued cancels every task still waiting to start and returns
// their ids in admission order. Running tasks are left alone.
func (m *Manager) CancelAllQueued() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}
	now := m.now()
	pending := m.pending
	m.pending = nil

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		e, ok := m.byID[p.id]
		if !ok || e.rec.Status != StatusQueued {
			continue
		}
		m.cancelLocked(e, now)
		ids = append(ids, p.id)
	}
	m.trimLocked()
	m.signalIdleLocked()
	return ids
}

// ClearFinishedHistory drops every finished record regardless of the
// history limit.
func (m *Manager) ClearFinishedHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	for _, e := range m.records {
		if e.rec.Terminal() {
			delete(m.byID, e.rec.ID)
			continue
		}
		kept = append(kept, e)
	}
	clearTail(m.records, len(kept))
	m.records = kept
	m.publishLocked(Event{Type: EventTrimmed})
}

// Wait blocks until no task is queued or running, or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	ch := m.idle
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) pumpLocked() {
	for m.active < m.maxConcurrency && len(m.pending) > 0 {
		next := m.pending[0]
		m.pending[0] = pendingEntry{}
		m.pending = m.pending[1:]

		e, ok := m.byID[next.id]
		if !ok || e.rec.Status != StatusQueued {
			continue
		}

		m.active++
		now := m.now()
		e.rec.Status = StatusRunning
		e.rec.StartedAt = &now
		m.publishTaskLocked(EventRunning, e, now)
		m.logger.Debug("task started", "task_id", e.rec.ID, "label", e.rec.Label, "active", m.active)

		go m.execute(e, next.run)
	}
	if len(m.pending) == 0 {
		m.pending = nil
	}
}

func (m *Manager) execute(e *entry, run func() error) {
	err := run()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err == nil {
		e.rec.Status = StatusDone
		e.rec.FinishedAt = &now
	} else {
		e.rec.Status = StatusFailed
		e.rec.Error = err.Error()
		e.rec.FinishedAt = &now
		m.logger.Warn("task failed", "task_id", e.rec.ID, "label", e.rec.Label, "error", err)
		m.publishTaskLocked(EventFailed, e, now)
		if m.alerter != nil {
			m.alerter.Alert(Alert{
				QueueID: m.id,
				TaskID:  e.rec.ID,
				Label:   e.rec.Label,
				Message: fmt.Sprintf("task %q failed", e.rec.Label),
				Kind:    string(reliability.Classify(err)),
				At:      now,
			})
		}
	}
	m.finishSeq++
	e.finishSeq = m.finishSeq
	m.publishTaskLocked(EventDone, e, now)
	close(e.done)

	m.active--
	m.pumpLocked()
	m.trimLocked()
	m.signalIdleLocked()
}

func (m *Manager) runSafely(ctx context.Context, taskID string, execute func(context.Context) error) (err error) {
	if execute == nil {
		return ErrNoExecute
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked",
				"task_id", taskID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &reliability.PanicError{Value: r}
		}
	}()
	return execute(ctx)
}

func (m *Manager) cancelLocked(e *entry, now time.Time) {
	e.rec.Status = StatusCanceled
	e.rec.FinishedAt = &now
	m.finishSeq++
	e.finishSeq = m.finishSeq
	m.publishTaskLocked(EventCanceled, e, now)
	close(e.done)
}

func (m *Manager) removePendingLocked(id string) {
	out := m.pending[:0]
	for _, p := range m.pending {
		if p.id == id {
			continue
		}
		out = append(out, p)
	}
	for i := len(out); i < len(m.pending); i++ {
		m.pending[i] = pendingEntry{}
	}
	if len(out) == 0 {
		m.pending = nil
		return
	}
	m.pending = out
}

func (m *Manager) markBusyLocked() {
	if m.idleClosed {
		m.idle = make(chan struct{})
		m.idleClosed = false
	}
}

func (m *Manager) signalIdleLocked() {
	if len(m.pending) == 0 && m.active == 0 && !m.idleClosed {
		close(m.idle)
		m.idleClosed = true
	}
}

func (m *Manager) publishTaskLocked(typ EventType, e *entry, at time.Time) {
	snapshot := e.rec.Clone()
	m.publishLocked(Event{
		Type:    typ,
		Payload: Payload{TaskID: e.rec.ID},
		Record:  &snapshot,
		At:      at,
	})
}

func (m *Manager) publishSettingLocked(name string, value int) {
	v := value
	m.publishLocked(Event{
		Type:    EventSetting,
		Payload: Payload{Name: name, Value: &v},
	})
	m.logger.Info("queue setting changed", "name", name, "value", value)
}

func (m *Manager) publishLocked(evt Event) {
	if m.publisher == nil {
		return
	}
	evt.QueueID = m.id
	if evt.At.IsZero() {
		evt.At = m.now()
	}
	m.publisher.Publish(evt)
}

func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
