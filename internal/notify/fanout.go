package notify

import (
	"log/slog"

	"github.com/ent0n29/workqueue/internal/queue"
)

// Fanout publishes each event to every non-nil publisher in order.
type Fanout []queue.Publisher

func (f Fanout) Publish(evt queue.Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(evt)
		}
	}
}

// AlertFanout delivers each alert to every non-nil alerter in order.
type AlertFanout []queue.Alerter

func (f AlertFanout) Alert(a queue.Alert) {
	for _, al := range f {
		if al != nil {
			al.Alert(a)
		}
	}
}

// LogPublisher writes lifecycle events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "queue_events")}
}

func (p *LogPublisher) Publish(evt queue.Event) {
	switch evt.Type {
	case queue.EventTrimmed:
		return
	case queue.EventSetting:
		value := 0
		if evt.Payload.Value != nil {
			value = *evt.Payload.Value
		}
		p.logger.Info("queue setting",
			"queue_id", evt.QueueID,
			"name", evt.Payload.Name,
			"value", value)
	default:
		p.logger.Debug("queue event",
			"queue_id", evt.QueueID,
			"type", string(evt.Type),
			"task_id", evt.Payload.TaskID)
	}
}

// LogAlerter surfaces task failures at warn level.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "queue_alerts")}
}

func (a *LogAlerter) Alert(al queue.Alert) {
	a.logger.Warn(al.Message,
		"queue_id", al.QueueID,
		"task_id", al.TaskID,
		"label", al.Label,
		"kind", al.Kind)
}
