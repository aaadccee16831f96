package notify

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/workqueue/internal/queue"
)

const (
	defaultSubscriberBuffer = 256
	defaultRecentLimit      = 512
)

// Bus fans queue events out to subscribers. Sends never block: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu sync.RWMutex

	bufferSize  int
	recentLimit int
	recent      map[string][]queue.Event

	subscribers map[string]map[int]chan queue.Event
	nextSubID   int

	dropped atomic.Uint64
	onDrop  func(queueID string)
}

func NewBus(bufferSize, recentLimit int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	return &Bus{
		bufferSize:  bufferSize,
		recentLimit: recentLimit,
		recent:      make(map[string][]queue.Event),
		subscribers: make(map[string]map[int]chan queue.Event),
	}
}

// SetDropHook registers a callback invoked for every dropped delivery.
func (b *Bus) SetDropHook(fn func(queueID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe returns a channel of events for queueID, or for all queues when
// queueID is empty, and a function that ends the subscription.
func (b *Bus) Subscribe(queueID string) (<-chan queue.Event, func()) {
	queueID = strings.TrimSpace(queueID)
	ch := make(chan queue.Event, b.bufferSize)

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if _, ok := b.subscribers[queueID]; !ok {
		b.subscribers[queueID] = make(map[int]chan queue.Event)
	}
	b.subscribers[queueID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[queueID]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subscribers, queueID)
			}
		})
	}
}

func (b *Bus) Publish(evt queue.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent[evt.QueueID] = append(b.recent[evt.QueueID], evt)
	if n := len(b.recent[evt.QueueID]); n > b.recentLimit {
		b.recent[evt.QueueID] = append([]queue.Event(nil), b.recent[evt.QueueID][n-b.recentLimit:]...)
	}

	b.deliverLocked(b.subscribers[evt.QueueID], evt)
	if evt.QueueID != "" {
		b.deliverLocked(b.subscribers[""], evt)
	}
}

func (b *Bus) deliverLocked(subs map[int]chan queue.Event, evt queue.Event) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(evt.QueueID)
			}
		}
	}
}

// Recent returns up to limit of the latest events for queueID, oldest first.
func (b *Bus) Recent(queueID string, limit int) []queue.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.recent[strings.TrimSpace(queueID)]
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]queue.Event, len(events)-start)
	copy(out, events[start:])
	return out
}

func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
