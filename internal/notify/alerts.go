package notify

import (
	"sync"

	"github.com/ent0n29/workqueue/internal/policy"
	"github.com/ent0n29/workqueue/internal/queue"
)

// AlertFeed keeps the most recent failure alerts for display and forwards
// new ones to subscribers without blocking. Stored alerts are redacted.
type AlertFeed struct {
	mu     sync.RWMutex
	limit  int
	alerts []queue.Alert
	nextID int
	subs   map[int]chan queue.Alert
}

func NewAlertFeed(limit int) *AlertFeed {
	if limit <= 0 {
		limit = 100
	}
	return &AlertFeed{limit: limit, subs: make(map[int]chan queue.Alert)}
}

func (f *AlertFeed) Alert(a queue.Alert) {
	a = policy.RedactAlert(a)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	if n := len(f.alerts); n > f.limit {
		f.alerts = append([]queue.Alert(nil), f.alerts[n-f.limit:]...)
	}
	for _, ch := range f.subs {
		select {
		case ch <- a:
		default:
		}
	}
}

// Subscribe returns a channel of alerts raised after the call.
func (f *AlertFeed) Subscribe() (<-chan queue.Alert, func()) {
	ch := make(chan queue.Alert, 16)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}

// List returns alerts newest first.
func (f *AlertFeed) List() []queue.Alert {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]queue.Alert, 0, len(f.alerts))
	for i := len(f.alerts) - 1; i >= 0; i-- {
		out = append(out, f.alerts[i])
	}
	return out
}
