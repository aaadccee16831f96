package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/workqueue/internal/queue"
)

var (
	ErrUnknownKind   = errors.New("unknown job kind")
	ErrInvalidParams = errors.New("invalid job params")
)

// Factory builds an executable task from request params.
type Factory func(params json.RawMessage) (queue.Task, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry registers the built-in sleep kind, and webhook when
// the runner allows at least one host.
func NewDefaultRegistry(webhook *WebhookRunner) *Registry {
	r := NewRegistry()
	r.Register(KindSleep, SleepFactory)
	if webhook.Enabled() {
		r.Register(KindWebhook, webhook.Factory)
	}
	return r
}

func (r *Registry) Register(kind string, f Factory) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build resolves kind; a non-blank label replaces the factory default.
func (r *Registry) Build(kind, label string, params json.RawMessage) (queue.Task, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return queue.Task{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	task, err := f(params)
	if err != nil {
		return queue.Task{}, err
	}
	if label = strings.TrimSpace(label); label != "" {
		task.Label = label
	}
	if task.Label == "" {
		task.Label = kind
	}
	return task, nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
