package queue

import (
	"context"
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Record is the observable state of one enqueued task.
type Record struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Status     Status     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`

	// Cancel is supplied by the caller and kept for the caller's use.
	// The manager never invokes it.
	Cancel func() `json:"-"`
}

func (r Record) Clone() Record {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func (r Record) Terminal() bool {
	switch r.Status {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Task is a unit of caller-owned work.
type Task struct {
	Label   string
	Execute func(ctx context.Context) error
	Cancel  func()
}

type Settings struct {
	MaxConcurrency  int `json:"max_concurrency"`
	MaxQueueHistory int `json:"max_queue_history"`
}

type Stats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Active   int `json:"active"`
}

type EventType string

const (
	EventQueued   EventType = "queued"
	EventRunning  EventType = "running"
	EventDone     EventType = "done"
	EventFailed   EventType = "failed"
	EventCanceled EventType = "canceled"
	EventTrimmed  EventType = "trimmed"
	EventSetting  EventType = "setting"
)

const (
	SettingMaxConcurrency  = "max_concurrency"
	SettingMaxQueueHistory = "max_queue_history"
)

// Payload is {TaskID} for task events and {Name, Value} for setting events.
type Payload struct {
	TaskID string `json:"task_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Value  *int   `json:"value,omitempty"`
}

type Event struct {
	QueueID string    `json:"queue_id"`
	Type    EventType `json:"type"`
	Payload Payload   `json:"payload"`
	// Record is a snapshot taken at the transition. Nil for trimmed and setting events.
	Record *Record   `json:"record,omitempty"`
	At     time.Time `json:"at"`
}

// Alert is the user-facing notification raised when a task fails.
type Alert struct {
	QueueID string    `json:"queue_id"`
	TaskID  string    `json:"task_id"`
	Label   string    `json:"label"`
	Message string    `json:"message"`
	// Kind is the failure class, e.g. timeout, panic, transient.
	Kind string    `json:"kind,omitempty"`
	At   time.Time `json:"at"`
}

// Publisher receives lifecycle events. Publish is called while the manager
// holds its state lock: it must not block and must not call back into the
// manager.
type Publisher interface {
	Publish(evt Event)
}

type PublisherFunc func(evt Event)

func (f PublisherFunc) Publish(evt Event) { f(evt) }

// Alerter receives user-facing failure alerts under the same rules as Publisher.
type Alerter interface {
	Alert(a Alert)
}

type AlerterFunc func(a Alert)

func (f AlerterFunc) Alert(a Alert) { f(a) }
