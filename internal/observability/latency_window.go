package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StageWait = "queue_wait"
	StageRun  = "run"
)

type StageStats struct {
	Queue   string  `json:"queue"`
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type OutcomeCount struct {
	Queue   string `json:"queue"`
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Outcomes    []OutcomeCount `json:"outcomes,omitempty"`
}

type stageKey struct {
	queue string
	stage string
}

// latencyWindow keeps the last maxSamples durations per queue and stage in
// a ring buffer.
type latencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[stageKey]*latencyBuffer
	outcomes   map[stageKey]int
}

type latencyBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newLatencyWindow(maxSamples int) *latencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &latencyWindow{
		maxSamples: maxSamples,
		stages:     make(map[stageKey]*latencyBuffer),
		outcomes:   make(map[stageKey]int),
	}
}

func (w *latencyWindow) Observe(queue, stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	key := stageKey{queue: queue, stage: stage}

	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[key]
	if !ok {
		buf = &latencyBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.stages[key] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *latencyWindow) ObserveOutcome(queue, outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[stageKey{queue: queue, stage: outcome}]++
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]stageKey, 0, len(w.stages))
	for k := range w.stages {
		keys = append(keys, k)
	}
	sortKeys(keys)

	stages := make([]StageStats, 0, len(keys))
	for _, k := range keys {
		buf := w.stages[k]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		stages = append(stages, StageStats{
			Queue:   k.queue,
			Stage:   k.stage,
			Samples: n,
			LastMS:  round2(buf.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}

	outcomeKeys := make([]stageKey, 0, len(w.outcomes))
	for k := range w.outcomes {
		outcomeKeys = append(outcomeKeys, k)
	}
	sortKeys(outcomeKeys)
	outcomes := make([]OutcomeCount, 0, len(outcomeKeys))
	for _, k := range outcomeKeys {
		outcomes = append(outcomes, OutcomeCount{Queue: k.queue, Outcome: k.stage, Count: w.outcomes[k]})
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Outcomes:    outcomes,
	}
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[stageKey]*latencyBuffer)
	w.outcomes = make(map[stageKey]int)
}

func sortKeys(keys []stageKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].queue != keys[j].queue {
			return keys[i].queue < keys[j].queue
		}
		return keys[i].stage < keys[j].stage
	})
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
