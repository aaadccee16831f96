package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/workqueue/internal/queue"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeQueueSnapshot MessageType = "queue_snapshot"
	TypeQueueEvent    MessageType = "queue_event"
	TypeQueueAlert    MessageType = "queue_alert"
	TypeControlResult MessageType = "control_result"
	TypeErrorEvent    MessageType = "error_event"
	TypeClientControl MessageType = "client_control"
)

const (
	ActionCancelTask      = "cancel_task"
	ActionCancelQueued    = "cancel_queued"
	ActionClearHistory    = "clear_history"
	ActionSetConcurrency  = "set_concurrency"
	ActionSetQueueHistory = "set_queue_history"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// QueueSnapshot is the first frame on a stream.
type QueueSnapshot struct {
	Type     MessageType    `json:"type"`
	QueueID  string         `json:"queue_id"`
	Settings queue.Settings `json:"settings"`
	Stats    queue.Stats    `json:"stats"`
	Tasks    []queue.Record `json:"tasks"`
}

type QueueEvent struct {
	Type  MessageType `json:"type"`
	Event queue.Event `json:"event"`
}

type QueueAlert struct {
	Type  MessageType `json:"type"`
	Alert queue.Alert `json:"alert"`
}

type ControlResult struct {
	Type     MessageType `json:"type"`
	QueueID  string      `json:"queue_id"`
	Action   string      `json:"action"`
	TaskID   string      `json:"task_id,omitempty"`
	OK       bool        `json:"ok"`
	Canceled []string    `json:"canceled,omitempty"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	TaskID string      `json:"task_id,omitempty"`
	Value  *int        `json:"value,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	QueueID   string      `json:"queue_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewQueueEvent(evt queue.Event) QueueEvent {
	return QueueEvent{Type: TypeQueueEvent, Event: evt}
}

func NewQueueAlert(a queue.Alert) QueueAlert {
	return QueueAlert{Type: TypeQueueAlert, Alert: a}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		msg.TaskID = strings.TrimSpace(msg.TaskID)
		switch msg.Action {
		case ActionCancelTask:
			if msg.TaskID == "" {
				return nil, errors.New("invalid client_control: cancel_task requires task_id")
			}
		case ActionSetConcurrency, ActionSetQueueHistory:
			if msg.Value == nil {
				return nil, fmt.Errorf("invalid client_control: %s requires value", msg.Action)
			}
		case ActionCancelQueued, ActionClearHistory:
		case "":
			return nil, errors.New("invalid client_control: missing action")
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, msg.Action)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}
