package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/workqueue/internal/queue"
)

// Metrics groups all Prometheus instruments used by the service. It also
// implements queue.Publisher and queue.Alerter so it can be attached to
// every manager.
type Metrics struct {
	TaskEvents  *prometheus.CounterVec
	QueuedTasks *prometheus.GaugeVec
	ActiveTasks *prometheus.GaugeVec
	WaitSeconds *prometheus.HistogramVec
	RunSeconds  *prometheus.HistogramVec
	Alerts      *prometheus.CounterVec
	BusDropped  *prometheus.CounterVec
	WSMessages  *prometheus.CounterVec

	latency *latencyWindow
}

// NewMetrics registers instruments on reg, or on the default registerer
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	buckets := []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &Metrics{
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by queue and type.",
		}, []string{"queue", "type"}),
		QueuedTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Tasks waiting for a concurrency slot.",
		}, []string{"queue"}),
		ActiveTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Tasks currently executing.",
		}, []string{"queue"}),
		WaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_wait_seconds",
			Help:      "Time from enqueue to start.",
			Buckets:   buckets,
		}, []string{"queue"}),
		RunSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_seconds",
			Help:      "Time from start to finish.",
			Buckets:   buckets,
		}, []string{"queue", "outcome"}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "User-facing failure alerts by queue and failure kind.",
		}, []string{"queue", "kind"}),
		BusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Events dropped because a subscriber was not keeping up.",
		}, []string{"queue"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) Publish(evt queue.Event) {
	m.TaskEvents.WithLabelValues(evt.QueueID, string(evt.Type)).Inc()

	rec := evt.Record
	switch evt.Type {
	case queue.EventQueued:
		m.QueuedTasks.WithLabelValues(evt.QueueID).Inc()
	case queue.EventRunning:
		m.QueuedTasks.WithLabelValues(evt.QueueID).Dec()
		m.ActiveTasks.WithLabelValues(evt.QueueID).Inc()
		if rec != nil && rec.StartedAt != nil {
			wait := rec.StartedAt.Sub(rec.EnqueuedAt)
			m.WaitSeconds.WithLabelValues(evt.QueueID).Observe(wait.Seconds())
			m.latency.Observe(evt.QueueID, StageWait, wait)
		}
	case queue.EventDone:
		m.ActiveTasks.WithLabelValues(evt.QueueID).Dec()
		if rec != nil && rec.StartedAt != nil && rec.FinishedAt != nil {
			outcome := string(rec.Status)
			run := rec.FinishedAt.Sub(*rec.StartedAt)
			m.RunSeconds.WithLabelValues(evt.QueueID, outcome).Observe(run.Seconds())
			m.latency.Observe(evt.QueueID, StageRun, run)
			m.latency.ObserveOutcome(evt.QueueID, outcome)
		}
	case queue.EventCanceled:
		m.QueuedTasks.WithLabelValues(evt.QueueID).Dec()
		m.latency.ObserveOutcome(evt.QueueID, string(queue.StatusCanceled))
	}
}

func (m *Metrics) Alert(a queue.Alert) {
	m.Alerts.WithLabelValues(a.QueueID, a.Kind).Inc()
}

func (m *Metrics) ObserveBusDrop(queueID string) {
	m.BusDropped.WithLabelValues(queueID).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

func (m *Metrics) ResetLatency() {
	m.latency.Reset()
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
