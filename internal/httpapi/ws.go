package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/workqueue/internal/protocol"
	"github.com/ent0n29/workqueue/internal/queue"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleQueueWS streams one queue: a snapshot frame, then every event and
// alert for that queue. Clients may send client_control frames.
func (s *Server) handleQueueWS(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	if s.deps.Bus == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event bus not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no transition is missed; a client may
	// see an event already reflected in the snapshot.
	events, stopEvents := s.deps.Bus.Subscribe(m.ID())
	defer stopEvents()
	var alerts <-chan queue.Alert
	if s.deps.Alerts != nil {
		ch, stopAlerts := s.deps.Alerts.Subscribe()
		defer stopAlerts()
		alerts = ch
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	outbound <- protocol.QueueSnapshot{
		Type:     protocol.TypeQueueSnapshot,
		QueueID:  m.ID(),
		Settings: m.Settings(),
		Stats:    m.Stats(),
		Tasks:    m.Tasks(),
	}

	log := s.logger.With("queue_id", m.ID())
	log.Debug("stream connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing unblocks the read loop when a write fails.
		defer conn.Close()
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		write := func(msg any, t protocol.MessageType) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return false
			}
			s.observeWS("outbound", t)
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				t, _ := messageTypeOf(msg)
				if !write(msg, t) {
					return
				}
			case evt, ok := <-events:
				if !ok {
					return
				}
				if !write(protocol.NewQueueEvent(evt), protocol.TypeQueueEvent) {
					return
				}
			case a, ok := <-alerts:
				if !ok {
					alerts = nil
					continue
				}
				if a.QueueID != m.ID() {
					continue
				}
				if !write(protocol.NewQueueAlert(a), protocol.TypeQueueAlert) {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueueFrame(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				QueueID:   m.ID(),
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.observeWS("inbound", control.Type)
		s.enqueueFrame(outbound, applyControl(m, control))
	}

	cancel()
	<-writerDone
	log.Debug("stream disconnected", "remote", r.RemoteAddr)
}

func applyControl(m *queue.Manager, c protocol.ClientControl) protocol.ControlResult {
	res := protocol.ControlResult{
		Type:    protocol.TypeControlResult,
		QueueID: m.ID(),
		Action:  c.Action,
		TaskID:  c.TaskID,
		OK:      true,
	}
	switch c.Action {
	case protocol.ActionCancelTask:
		res.OK = m.CancelQueuedTask(c.TaskID)
	case protocol.ActionCancelQueued:
		res.Canceled = m.CancelAllQueued()
	case protocol.ActionClearHistory:
		m.ClearFinishedHistory()
	case protocol.ActionSetConcurrency:
		m.SetConcurrency(*c.Value)
	case protocol.ActionSetQueueHistory:
		m.SetQueueHistory(*c.Value)
	default:
		res.OK = false
	}
	return res
}

// enqueueFrame keeps websocket writes on the writer goroutine and drops the
// frame when the outbound buffer is saturated.
func (s *Server) enqueueFrame(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		if t, ok := messageTypeOf(msg); ok {
			s.observeWS("dropped", t)
		}
	}
}

func (s *Server) observeWS(direction string, t protocol.MessageType) {
	if s.deps.Metrics == nil || t == "" {
		return
	}
	s.deps.Metrics.ObserveWSMessage(direction, string(t))
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.QueueSnapshot:
		return m.Type, true
	case protocol.QueueEvent:
		return m.Type, true
	case protocol.QueueAlert:
		return m.Type, true
	case protocol.ControlResult:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	default:
		return "", false
	}
}
