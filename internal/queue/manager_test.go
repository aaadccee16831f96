package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	alerts []Alert
}

func (r *eventRecorder) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Alert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *eventRecorder) typesFor(taskID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, evt := range r.events {
		if evt.Payload.TaskID == taskID {
			out = append(out, evt.Type)
		}
	}
	return out
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) alertsSnapshot() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// gate blocks a task until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func newGate() *gate {
	return &gate{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gate) task(label string) Task {
	return Task{
		Label: label,
		Execute: func(ctx context.Context) error {
			close(g.started)
			<-g.release
			return g.err
		},
	}
}

func (g *gate) open() { close(g.release) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	all := append([]Option{WithPublisher(rec), WithAlerter(rec)}, opts...)
	return New("test", all...), rec
}

func waitHandle(t *testing.T, h *Handle) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v", h.ID(), err)
	}
	return rec
}

func waitStarted(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not start in time")
	}
}

func statusOf(t *testing.T, m *Manager, id string) Status {
	t.Helper()
	rec, ok := m.Task(id)
	if !ok {
		t.Fatalf("Task(%s) not found", id)
	}
	return rec.Status
}

func TestManagerAdmitsUpToConcurrencyInFIFOOrder(t *testing.T) {
	m, _ := newTestManager(t, WithMaxConcurrency(2))
	ga, gb, gc := newGate(), newGate(), newGate()

	a := m.Enqueue(context.Background(), ga.task("A"))
	b := m.Enqueue(context.Background(), gb.task("B"))
	c := m.Enqueue(context.Background(), gc.task("C"))

	if got := statusOf(t, m, a.ID()); got != StatusRunning {
		t.Fatalf("A status = %q, want %q", got, StatusRunning)
	}
	if got := statusOf(t, m, b.ID()); got != StatusRunning {
		t.Fatalf("B status = %q, want %q", got, StatusRunning)
	}
	if got := statusOf(t, m, c.ID()); got != StatusQueued {
		t.Fatalf("C status = %q, want %q", got, StatusQueued)
	}

	ga.open()
	waitHandle(t, a)
	waitStarted(t, gc)
	if got := statusOf(t, m, c.ID()); got != StatusRunning {
		t.Fatalf("C status after A finished = %q, want %q", got, StatusRunning)
	}

	gb.open()
	gc.open()
	for _, h := range []*Handle{a, b, c} {
		if rec := waitHandle(t, h); rec.Status != StatusDone {
			t.Fatalf("%s status = %q, want %q", rec.Label, rec.Status, StatusDone)
		}
	}
	if got := len(m.Tasks()); got != 3 {
		t.Fatalf("len(Tasks()) = %d, want 3", got)
	}
}

func TestManagerTimedScenario(t *testing.T) {
	m, _ := newTestManager(t, WithMaxConcurrency(2))
	work := func(label string) Task {
		return Task{Label: label, Execute: func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}}
	}

	handles := []*Handle{
		m.Enqueue(context.Background(), work("A")),
		m.Enqueue(context.Background(), work("B")),
		m.Enqueue(context.Background(), work("C")),
	}
	if got := statusOf(t, m, handles[2].ID()); got != StatusQueued {
		t.Fatalf("C status = %q, want %q", got, StatusQueued)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	tasks := m.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("len(Tasks()) = %d, want 3", len(tasks))
	}
	for i, label := range []string{"A", "B", "C"} {
		if tasks[i].Label != label {
			t.Fatalf("tasks[%d].Label = %q, want %q", i, tasks[i].Label, label)
		}
		if tasks[i].Status != StatusDone {
			t.Fatalf("tasks[%d].Status = %q, want %q", i, tasks[i].Status, StatusDone)
		}
		if tasks[i].StartedAt == nil || tasks[i].FinishedAt == nil {
			t.Fatalf("tasks[%d] missing timestamps: %+v", i, tasks[i])
		}
	}
	firstFinish := *tasks[0].FinishedAt
	if tasks[1].FinishedAt.Before(firstFinish) {
		firstFinish = *tasks[1].FinishedAt
	}
	if tasks[2].StartedAt.Before(firstFinish) {
		t.Fatalf("C started at %v, before the first of A/B finished at %v", tasks[2].StartedAt, firstFinish)
	}
}

func TestManagerFailureDoesNotStallQueue(t *testing.T) {
	m, rec := newTestManager(t, WithMaxConcurrency(1))

	d := m.Enqueue(context.Background(), Task{
		Label: "D",
		Execute: func(ctx context.Context) error {
			return errors.New("boom")
		},
	})
	e := m.Enqueue(context.Background(), Task{
		Label:   "E",
		Execute: func(ctx context.Context) error { return nil },
	})

	dRec := waitHandle(t, d)
	if dRec.Status != StatusFailed {
		t.Fatalf("D.Status = %q, want %q", dRec.Status, StatusFailed)
	}
	if dRec.Error != "boom" {
		t.Fatalf("D.Error = %q, want %q", dRec.Error, "boom")
	}
	if eRec := waitHandle(t, e); eRec.Status != StatusDone {
		t.Fatalf("E.Status = %q, want %q", eRec.Status, StatusDone)
	}

	got := rec.typesFor(d.ID())
	want := []EventType{EventQueued, EventRunning, EventFailed, EventDone}
	if len(got) != len(want) {
		t.Fatalf("D events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("D events = %v, want %v", got, want)
		}
	}

	alerts := rec.alertsSnapshot()
	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(alerts))
	}
	if alerts[0].TaskID != d.ID() || !strings.Contains(alerts[0].Message, "D") {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}

func TestManagerHistoryKeepsMostRecentFinished(t *testing.T) {
	m, _ := newTestManager(t, WithMaxConcurrency(1), WithMaxQueueHistory(1))

	var last *Handle
	for _, label := range []string{"one", "two", "three"} {
		last = m.Enqueue(context.Background(), Task{
			Label:   label,
			Execute: func(ctx context.Context) error { return nil },
		})
		waitHandle(t, last)
	}

	tasks := m.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("len(Tasks()) = %d, want 1", len(tasks))
	}
	if tasks[0].ID != last.ID() || tasks[0].Label != "three" {
		t.Fatalf("retained = %+v, want task three", tasks[0])
	}
	if st := m.Stats(); st.Queued != 0 || st.Running != 0 || st.Active != 0 {
		t.Fatalf("Stats() = %+v, want no active records", st)
	}
}

func TestManagerHistoryUsesFinishOrder(t *testing.T) {
	m, _ := newTestManager(t, WithMaxConcurrency(2), WithMaxQueueHistory(1))
	ga, gb := newGate(), newGate()

	a := m.Enqueue(context.Background(), ga.task("A"))
	b := m.Enqueue(context.Background(), gb.task("B"))

	gb.open()
	waitHandle(t, b)
	ga.open()
	waitHandle(t, a)

	tasks := m.Tasks()
	if len(tasks) != 1 || tasks[0].ID != a.ID() {
		t.Fatalf("Tasks() = %+v, want only A (finished last)", tasks)
	}
}

func TestManagerNeverExceedsConcurrency(t *testing.T) {
	const limit = 3
	m, _ := newTestManager(t, WithMaxConcurrency(limit), WithMaxQueueHistory(100))

	var running, peak int32
	handles := make([]*Handle, 0, 30)
	for i := 0; i < 30; i++ {
		handles = append(handles, m.Enqueue(context.Background(), Task{
			Label: "load",
			Execute: func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
		}))
		if st := m.Stats(); st.Running > limit {
			t.Fatalf("running = %d, want <= %d", st.Running, limit)
		}
	}
	for _, h := range handles {
		waitHandle(t, h)
	}
	if got := atomic.LoadInt32(&peak); got > limit {
		t.Fatalf("peak concurrency = %d, want <= %d", got, limit)
	}
}

func TestManagerCancelQueuedTask(t *testing.T) {
	m, rec := newTestManager(t, WithMaxConcurrency(1))
	ga := newGate()
	var cancelCalls int32

	a := m.Enqueue(context.Background(), ga.task("A"))
	b := m.Enqueue(context.Background(), Task{
		Label:   "B",
		Execute: func(ctx context.Context) error { return nil },
		Cancel:  func() { atomic.AddInt32(&cancelCalls, 1) },
	})

	if m.CancelQueuedTask("missing") {
		t.Fatalf("CancelQueuedTask(missing) = true, want false")
	}
	if m.CancelQueuedTask(a.ID()) {
		t.Fatalf("CancelQueuedTask(running) = true, want false")
	}
	if got := statusOf(t, m, a.ID()); got != StatusRunning {
		t.Fatalf("A status = %q, want %q", got, StatusRunning)
	}

	if !m.CancelQueuedTask(b.ID()) {
		t.Fatalf("CancelQueuedTask(queued) = false, want true")
	}
	bRec := waitHandle(t, b)
	if bRec.Status != StatusCanceled || bRec.FinishedAt == nil {
		t.Fatalf("B = %+v, want canceled with finished timestamp", bRec)
	}
	if bRec.StartedAt != nil {
		t.Fatalf("B.StartedAt = %v, want nil", bRec.StartedAt)
	}
	if m.CancelQueuedTask(b.ID()) {
		t.Fatalf("second CancelQueuedTask(B) = true, want false")
	}
	if rec.count(EventCanceled) != 1 {
		t.Fatalf("canceled events = %d, want 1", rec.count(EventCanceled))
	}

	ga.open()
	waitHandle(t, a)
	if m.CancelQueuedTask(a.ID()) {
		t.Fatalf("CancelQueuedTask(finished) = true, want false")
	}
	if got := atomic.LoadInt32(&cancelCalls); got != 0 {
		t.Fatalf("cancel callback calls = %d, want 0", got)
	}
}

func TestManagerCancelAllQueued(t *testing.T) {
	m, rec := newTestManager(t, WithMaxConcurrency(1))
	ga := newGate()

	a := m.Enqueue(context.Background(), ga.task("A"))
	var queued []string
	for _, label := range []string{"B", "C", "D"} {
		h := m.Enqueue(context.Background(), Task{
			Label:   label,
			Execute: func(ctx context.Context) error { return nil },
		})
		queued = append(queued, h.ID())
	}

	ids := m.CancelAllQueued()
	if len(ids) != len(queued) {
		t.Fatalf("CancelAllQueued() = %v, want %v", ids, queued)
	}
	for i := range queued {
		if ids[i] != queued[i] {
			t.Fatalf("CancelAllQueued() = %v, want %v", ids, queued)
		}
		if got := statusOf(t, m, queued[i]); got != StatusCanceled {
			t.Fatalf("status = %q, want %q", got, StatusCanceled)
		}
	}
	if got := statusOf(t, m, a.ID()); got != StatusRunning {
		t.Fatalf("A status = %q, want %q", got, StatusRunning)
	}
	if rec.count(EventCanceled) != 3 {
		t.Fatalf("canceled events = %d, want 3", rec.count(EventCanceled))
	}
	if again := m.CancelAllQueued(); len(again) != 0 {
		t.Fatalf("second CancelAllQueued() = %v, want empty", again)
	}

	ga.open()
	waitHandle(t, a)
}

func TestManagerClearFinishedHistory(t *testing.T) {
	m, rec := newTestManager(t, WithMaxConcurrency(1))
	ga := newGate()

	done := m.Enqueue(context.Background(), Task{
		Label:   "done",
		Execute: func(ctx context.Context) error { return nil },
	})
	waitHandle(t, done)
	a := m.Enqueue(context.Background(), ga.task("running"))
	b := m.Enqueue(context.Background(), Task{
		Label:   "queued",
		Execute: func(ctx context.Context) error { return nil },
	})

	before := rec.count(EventTrimmed)
	m.ClearFinishedHistory()
	if rec.count(EventTrimmed) != before+1 {
		t.Fatalf("trimmed not emitted by ClearFinishedHistory")
	}

	tasks := m.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("len(Tasks()) = %d, want 2", len(tasks))
	}
	if tasks[0].ID != a.ID() || tasks[0].Status != StatusRunning {
		t.Fatalf("tasks[0] = %+v, want running A", tasks[0])
	}
	if tasks[1].ID != b.ID() || tasks[1].Status != StatusQueued {
		t.Fatalf("tasks[1] = %+v, want queued B", tasks[1])
	}
	if _, ok := m.Task(done.ID()); ok {
		t.Fatalf("finished task still retained")
	}

	ga.open()
	waitHandle(t, b)
}

func TestManagerSetConcurrencyStartsPending(t *testing.T) {
	m, rec := newTestManager(t, WithMaxConcurrency(1))
	ga, gb := newGate(), newGate()

	a := m.Enqueue(context.Background(), ga.task("A"))
	b := m.Enqueue(context.Background(), gb.task("B"))
	if got := statusOf(t, m, b.ID()); got != StatusQueued {
		t.Fatalf("B status = %q, want %q", got, StatusQueued)
	}

	m.SetConcurrency(2)
	if got := statusOf(t, m, b.ID()); got != StatusRunning {
		t.Fatalf("B status after SetConcurrency(2) = %q, want %q", got, StatusRunning)
	}

	m.SetConcurrency(0)
	if got := m.Settings().MaxConcurrency; got != 1 {
		t.Fatalf("MaxConcurrency = %d, want clamp to 1", got)
	}
	if got := statusOf(t, m, a.ID()); got != StatusRunning {
		t.Fatalf("A preempted: status = %q", got)
	}
	if rec.count(EventSetting) != 2 {
		t.Fatalf("setting events = %d, want 2", rec.count(EventSetting))
	}

	ga.open()
	gb.open()
	waitHandle(t, a)
	waitHandle(t, b)
}

func TestManagerLoweredConcurrencyDrainsBeforeAdmitting(t *testing.T) {
	m, _ := newTestManager(t, WithMaxConcurrency(2))
	ga, gb, gc := newGate(), newGate(), newGate()

	a := m.Enqueue(context.Background(), ga.task("A"))
	b := m.Enqueue(context.Background(), gb.task("B"))
	c := m.Enqueue(context.Background(), gc.task("C"))
	m.SetConcurrency(1)

	ga.open()
	waitHandle(t, a)
	if got := statusOf(t, m, c.ID()); got != StatusQueued {
		t.Fatalf("C status = %q, want %q while B still holds the only slot", got, StatusQueued)
	}

	gb.open()
	waitHandle(t, b)
	waitStarted(t, gc)
	gc.open()
	waitHandle(t, c)
}

func TestManagerSetQueueHistoryTrimsImmediately(t *testing.T) {
	m, rec := newTestManager(t, WithMaxConcurrency(1), WithMaxQueueHistory(10))
	for i := 0; i < 4; i++ {
		waitHandle(t, m.Enqueue(context.Background(), Task{
			Label:   "t",
			Execute: func(ctx context.Context) error { return nil },
		}))
	}
	if got := len(m.Tasks()); got != 4 {
		t.Fatalf("len(Tasks()) = %d, want 4", got)
	}

	m.SetQueueHistory(-5)
	if got := m.Settings().MaxQueueHistory; got != 0 {
		t.Fatalf("MaxQueueHistory = %d, want clamp to 0", got)
	}
	if got := len(m.Tasks()); got != 0 {
		t.Fatalf("len(Tasks()) = %d, want 0", got)
	}

	var setting *Event
	rec.mu.Lock()
	for i := range rec.events {
		if rec.events[i].Type == EventSetting {
			setting = &rec.events[i]
		}
	}
	rec.mu.Unlock()
	if setting == nil || setting.Payload.Name != SettingMaxQueueHistory || setting.Payload.Value == nil || *setting.Payload.Value != 0 {
		t.Fatalf("setting event = %+v, want max_queue_history=0", setting)
	}
}

func TestManagerRecoversPanics(t *testing.T) {
	m, events := newTestManager(t)
	h := m.Enqueue(context.Background(), Task{
		Label: "panics",
		Execute: func(ctx context.Context) error {
			panic("kaboom")
		},
	})
	rec := waitHandle(t, h)
	if rec.Status != StatusFailed || !strings.Contains(rec.Error, "kaboom") {
		t.Fatalf("record = %+v, want failed with panic message", rec)
	}
	if alerts := events.alertsSnapshot(); len(alerts) != 1 || alerts[0].Kind != "panic" {
		t.Fatalf("alerts = %+v, want one panic alert", alerts)
	}

	nilExec := waitHandle(t, m.Enqueue(context.Background(), Task{Label: "empty"}))
	if nilExec.Status != StatusFailed || nilExec.Error != ErrNoExecute.Error() {
		t.Fatalf("record = %+v, want failed with %q", nilExec, ErrNoExecute)
	}
}

func TestManagerPassesEnqueueContext(t *testing.T) {
	m, _ := newTestManager(t)
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	var got any
	waitHandle(t, m.Enqueue(ctx, Task{
		Label: "ctx",
		Execute: func(ctx context.Context) error {
			got = ctx.Value(key{})
			return nil
		},
	}))
	if got != "v" {
		t.Fatalf("context value = %v, want %q", got, "v")
	}
}

func TestManagerWaitReturnsWhenIdle(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() on empty queue error = %v", err)
	}

	g := newGate()
	m.Enqueue(context.Background(), g.task("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}

	g.open()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := m.Wait(ctx2); err != nil {
		t.Fatalf("Wait() after release error = %v", err)
	}
}

func TestManagerTasksReturnsCopies(t *testing.T) {
	m, _ := newTestManager(t)
	h := m.Enqueue(context.Background(), Task{
		Label:   "copy",
		Execute: func(ctx context.Context) error { return nil },
	})
	waitHandle(t, h)

	tasks := m.Tasks()
	tasks[0].Label = "mutated"
	*tasks[0].FinishedAt = time.Time{}

	again, _ := m.Task(h.ID())
	if again.Label != "copy" || again.FinishedAt.IsZero() {
		t.Fatalf("internal record mutated through copy: %+v", again)
	}
}

func TestManagerDefaultsLabelAndClampsOptions(t *testing.T) {
	m := New("q", WithMaxConcurrency(-1), WithMaxQueueHistory(-1))
	st := m.Settings()
	if st.MaxConcurrency != 1 || st.MaxQueueHistory != 0 {
		t.Fatalf("Settings() = %+v, want {1 0}", st)
	}
	h := m.Enqueue(context.Background(), Task{Label: "  ", Execute: func(ctx context.Context) error { return nil }})
	rec := waitHandle(t, h)
	if rec.Label != "task" {
		t.Fatalf("Label = %q, want %q", rec.Label, "task")
	}
}
