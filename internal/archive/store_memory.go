package archive

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/workqueue/internal/queue"
)

// MemoryStore keeps archived records in process. It backs local runs and
// tests where no postgres is available.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Entry
	byQueue map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Entry),
		byQueue: make(map[string][]string),
	}
}

func (s *MemoryStore) SaveRecord(_ context.Context, queueID string, rec queue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; !ok {
		s.byQueue[queueID] = append(s.byQueue[queueID], rec.ID)
	}
	s.byID[rec.ID] = Entry{QueueID: queueID, Record: rec.Clone(), ArchivedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, taskID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[taskID]
	if !ok {
		return Entry{}, ErrStoreNotFound
	}
	return e, nil
}

// ListRecords returns up to limit entries for queueID, newest first.
func (s *MemoryStore) ListRecords(_ context.Context, queueID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byQueue[queueID]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]Entry, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[ids[i]])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
