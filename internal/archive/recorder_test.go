package archive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/workqueue/internal/queue"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   []Entry
	block   chan struct{}
	failErr error
	// failTimes makes the first n saves fail with failErr.
	failTimes int
	attempts  int
}

func (f *fakeStore) SaveRecord(ctx context.Context, queueID string, rec queue.Record) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failErr != nil && (f.failTimes == 0 || f.attempts <= f.failTimes) {
		return f.failErr
	}
	f.saved = append(f.saved, Entry{QueueID: queueID, Record: rec})
	return nil
}

func (f *fakeStore) GetRecord(ctx context.Context, taskID string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.saved {
		if e.Record.ID == taskID {
			return e, nil
		}
	}
	return Entry{}, ErrStoreNotFound
}

func (f *fakeStore) ListRecords(ctx context.Context, queueID string, limit int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.saved {
		if e.QueueID == queueID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) snapshot() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.saved...)
}

func closeRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRecorderArchivesTerminalRecords(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, 16, nil)
	m := queue.New("jobs", queue.WithPublisher(rec), queue.WithMaxConcurrency(1))

	release := make(chan struct{})
	ok := m.Enqueue(context.Background(), queue.Task{Label: "ok", Execute: func(ctx context.Context) error {
		<-release
		return nil
	}})
	bad := m.Enqueue(context.Background(), queue.Task{Label: "bad", Execute: func(ctx context.Context) error {
		return errors.New("boom")
	}})
	skipped := m.Enqueue(context.Background(), queue.Task{Label: "skipped", Execute: func(ctx context.Context) error { return nil }})
	if !m.CancelQueuedTask(skipped.ID()) {
		t.Fatalf("CancelQueuedTask() = false, want true")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	closeRecorder(t, rec)

	saved := store.snapshot()
	if len(saved) != 3 {
		t.Fatalf("saved = %d records, want 3", len(saved))
	}
	byID := map[string]queue.Record{}
	for _, e := range saved {
		if e.QueueID != "jobs" {
			t.Fatalf("QueueID = %q, want jobs", e.QueueID)
		}
		byID[e.Record.ID] = e.Record
	}
	if got := byID[ok.ID()].Status; got != queue.StatusDone {
		t.Fatalf("ok status = %q, want done", got)
	}
	if got := byID[bad.ID()]; got.Status != queue.StatusFailed || got.Error != "boom" {
		t.Fatalf("bad record = %+v, want failed/boom", got)
	}
	if got := byID[skipped.ID()].Status; got != queue.StatusCanceled {
		t.Fatalf("skipped status = %q, want canceled", got)
	}
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	rec := NewRecorder(store, 1, nil)

	final := &queue.Record{ID: "x", Status: queue.StatusDone}
	for i := 0; i < 5; i++ {
		rec.Publish(queue.Event{QueueID: "q", Type: queue.EventDone, Record: final})
	}
	// One record is held by the blocked writer and one sits in the buffer.
	if got := rec.Dropped(); got < 3 {
		t.Fatalf("Dropped() = %d, want >= 3", got)
	}
	close(store.block)
	closeRecorder(t, rec)
}

func TestRecorderIgnoresNonTerminalAndAfterClose(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, 4, nil)
	rec.Publish(queue.Event{QueueID: "q", Type: queue.EventRunning, Record: &queue.Record{ID: "a"}})
	rec.Publish(queue.Event{QueueID: "q", Type: queue.EventFailed, Record: &queue.Record{ID: "b"}})
	rec.Publish(queue.Event{QueueID: "q", Type: queue.EventTrimmed})
	closeRecorder(t, rec)
	rec.Publish(queue.Event{QueueID: "q", Type: queue.EventDone, Record: &queue.Record{ID: "c"}})
	closeRecorder(t, rec)

	if saved := store.snapshot(); len(saved) != 0 {
		t.Fatalf("saved = %+v, want none", saved)
	}
}

func TestRecorderCountsStoreFailures(t *testing.T) {
	store := &fakeStore{failErr: errors.New("db down")}
	rec := NewRecorder(store, 4, nil)
	rec.Publish(queue.Event{QueueID: "q", Type: queue.EventCanceled, Record: &queue.Record{ID: "a", Status: queue.StatusCanceled}})
	closeRecorder(t, rec)
	if got := rec.Failed(); got != 1 {
		t.Fatalf("Failed() = %d, want 1", got)
	}
	if store.attempts != defaultWriteAttempts {
		t.Fatalf("attempts = %d, want %d", store.attempts, defaultWriteAttempts)
	}
}

func TestRecorderRetriesTransientFailure(t *testing.T) {
	store := &fakeStore{failErr: errors.New("conn reset"), failTimes: 1}
	rec := NewRecorder(store, 4, nil)
	rec.Publish(queue.Event{QueueID: "q", Type: queue.EventCanceled, Record: &queue.Record{ID: "a", Status: queue.StatusCanceled}})
	closeRecorder(t, rec)
	if got := rec.Failed(); got != 0 {
		t.Fatalf("Failed() = %d, want 0", got)
	}
	if saved := store.snapshot(); len(saved) != 1 {
		t.Fatalf("saved = %d records, want 1", len(saved))
	}
}

func TestRecorderRedactsBeforeSaving(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, 4, nil)
	rec.Publish(queue.Event{QueueID: "q", Type: queue.EventDone, Record: &queue.Record{
		ID:     "a",
		Label:  "notify ana@example.com",
		Status: queue.StatusFailed,
		Error:  "bounced ana@example.com",
	}})
	closeRecorder(t, rec)
	saved := store.snapshot()
	if len(saved) != 1 {
		t.Fatalf("saved = %d records, want 1", len(saved))
	}
	if got := saved[0].Record; strings.Contains(got.Label, "ana@") || strings.Contains(got.Error, "ana@") {
		t.Fatalf("saved record not redacted: %+v", got)
	}
}

func TestNewStoreWithoutURLReturnsNil(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store != nil {
		t.Fatalf("NewStore() = %v, want nil", store)
	}
}
