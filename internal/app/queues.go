package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/workqueue/internal/queue"
)

// Queues is an ordered registry of named managers.
type Queues struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*queue.Manager
}

func NewQueues() *Queues {
	return &Queues{byID: make(map[string]*queue.Manager)}
}

func (q *Queues) Add(m *queue.Manager) error {
	if m == nil {
		return fmt.Errorf("nil queue manager")
	}
	id := strings.TrimSpace(m.ID())
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byID[id]; exists {
		return fmt.Errorf("queue %q already registered", id)
	}
	q.byID[id] = m
	q.order = append(q.order, id)
	return nil
}

func (q *Queues) Get(id string) (*queue.Manager, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	m, ok := q.byID[strings.TrimSpace(id)]
	return m, ok
}

// List returns managers in registration order.
func (q *Queues) List() []*queue.Manager {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*queue.Manager, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.byID[id])
	}
	return out
}

// Drain cancels every queued task and waits for running tasks to finish or
// ctx to expire. It returns the number of tasks canceled.
func (q *Queues) Drain(ctx context.Context) (int, error) {
	managers := q.List()
	canceled := 0
	for _, m := range managers {
		canceled += len(m.CancelAllQueued())
	}
	for _, m := range managers {
		if err := m.Wait(ctx); err != nil {
			return canceled, fmt.Errorf("drain queue %q: %w", m.ID(), err)
		}
	}
	return canceled, nil
}
