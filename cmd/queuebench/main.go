package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ent0n29/workqueue/internal/protocol"
	"github.com/ent0n29/workqueue/internal/queue"
)

type options struct {
	baseURL   string
	queueID   string
	tasks     int
	sleep     time.Duration
	failEvery int
	rate      float64
	timeout   time.Duration
	verbose   bool
}

type createTaskRequest struct {
	Kind   string          `json:"kind"`
	Label  string          `json:"label,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

type wsFrame struct {
	Type  protocol.MessageType `json:"type"`
	Event *queue.Event         `json:"event,omitempty"`
	Code  string               `json:"code,omitempty"`
	// Detail is set on error_event frames.
	Detail string `json:"detail,omitempty"`
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "queuebench: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "queuebench: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "workqueue base URL")
	fs.StringVar(&cfg.queueID, "queue", "default", "queue id to load")
	fs.IntVar(&cfg.tasks, "tasks", 20, "number of sleep tasks to submit")
	fs.DurationVar(&cfg.sleep, "sleep", 50*time.Millisecond, "duration of each sleep task")
	fs.IntVar(&cfg.failEvery, "fail-every", 0, "make every Nth task fail (0 disables)")
	fs.Float64Var(&cfg.rate, "rate", 0, "max submissions per second (0 = unlimited)")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall run timeout")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every task transition")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.queueID = strings.TrimSpace(cfg.queueID)
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.queueID == "" {
		return options{}, fmt.Errorf("queue is required")
	}
	if cfg.tasks <= 0 {
		return options{}, fmt.Errorf("tasks must be > 0")
	}
	if cfg.sleep < 0 {
		return options{}, fmt.Errorf("sleep must be >= 0")
	}
	if cfg.failEvery < 0 {
		cfg.failEvery = 0
	}
	if cfg.rate < 0 {
		return options{}, fmt.Errorf("rate must be >= 0")
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	wsURL, err := wsURLForQueue(cfg.baseURL, cfg.queueID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	tr := newTracker()
	readErrCh := make(chan error, 1)
	go readLoop(conn, tr, readErrCh, cfg.verbose)

	limit := rate.Inf
	if cfg.rate > 0 {
		limit = rate.Limit(cfg.rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	httpClient := &http.Client{Timeout: 15 * time.Second}

	started := time.Now()
	for i := 0; i < cfg.tasks; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		fail := cfg.failEvery > 0 && (i+1)%cfg.failEvery == 0
		id, err := submitSleep(ctx, httpClient, cfg, i, fail)
		if err != nil {
			return fmt.Errorf("submit task %d: %w", i+1, err)
		}
		tr.expect(id)
	}
	if cfg.verbose {
		fmt.Printf("queuebench: submitted %d tasks to %s in %s\n", cfg.tasks, cfg.queueID, time.Since(started).Round(time.Millisecond))
	}

	select {
	case <-tr.allDone():
	case err := <-readErrCh:
		return fmt.Errorf("ws read: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}

	rep := tr.report(time.Since(started))
	fmt.Print(rep.String())
	return nil
}

func submitSleep(ctx context.Context, client *http.Client, cfg options, n int, fail bool) (string, error) {
	params := map[string]string{"duration": cfg.sleep.String()}
	if fail {
		params["fail"] = "queuebench induced failure"
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(createTaskRequest{
		Kind:   "sleep",
		Label:  fmt.Sprintf("bench-%03d", n+1),
		Params: rawParams,
	})
	if err != nil {
		return "", err
	}
	endpoint := cfg.baseURL + "/v1/queues/" + url.PathEscape(cfg.queueID) + "/tasks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createTaskResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", errors.New("missing task_id in response")
	}
	return out.TaskID, nil
}

func wsURLForQueue(baseURL, queueID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/queues/" + queueID + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, tr *tracker, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypeQueueEvent:
			if frame.Event == nil {
				continue
			}
			tr.observe(*frame.Event)
			if verbose && frame.Event.Type != queue.EventTrimmed {
				fmt.Printf("queuebench: %s %s\n", frame.Event.Type, frame.Event.Payload.TaskID)
			}
		case protocol.TypeErrorEvent:
			fmt.Fprintf(os.Stderr, "queuebench: error_event code=%s detail=%s\n", frame.Code, frame.Detail)
		}
	}
}

// tracker folds stream events into latency samples and peak concurrency.
type tracker struct {
	mu       sync.Mutex
	expected map[string]bool
	terminal map[string]queue.Status
	running  map[string]bool
	peak     int
	waits    []time.Duration
	runs     []time.Duration
	done     chan struct{}
	closed   bool
}

func newTracker() *tracker {
	return &tracker{
		expected: make(map[string]bool),
		terminal: make(map[string]queue.Status),
		running:  make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (t *tracker) expect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected[id] = true
}

func (t *tracker) observe(evt queue.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := evt.Payload.TaskID
	rec := evt.Record
	switch evt.Type {
	case queue.EventRunning:
		t.running[id] = true
		if n := len(t.running); n > t.peak {
			t.peak = n
		}
		if rec != nil && rec.StartedAt != nil {
			t.waits = append(t.waits, rec.StartedAt.Sub(rec.EnqueuedAt))
		}
	case queue.EventDone:
		delete(t.running, id)
		status := queue.StatusDone
		if rec != nil {
			status = rec.Status
			if rec.StartedAt != nil && rec.FinishedAt != nil {
				t.runs = append(t.runs, rec.FinishedAt.Sub(*rec.StartedAt))
			}
		}
		t.terminal[id] = status
	case queue.EventCanceled:
		t.terminal[id] = queue.StatusCanceled
	}
}

// allDone closes once every expected task has reached a terminal state.
func (t *tracker) allDone() <-chan struct{} {
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for range tick.C {
			if t.complete() {
				return
			}
		}
	}()
	return t.done
}

func (t *tracker) complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return true
	}
	for id := range t.expected {
		if _, ok := t.terminal[id]; !ok {
			return false
		}
	}
	t.closed = true
	close(t.done)
	return true
}

type latencySummary struct {
	Samples int
	P50     time.Duration
	P95     time.Duration
	Max     time.Duration
}

type report struct {
	Elapsed  time.Duration
	Counts   map[queue.Status]int
	Peak     int
	Wait     latencySummary
	Run      latencySummary
	Expected int
}

func (t *tracker) report(elapsed time.Duration) report {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[queue.Status]int)
	for id := range t.expected {
		counts[t.terminal[id]]++
	}
	return report{
		Elapsed:  elapsed,
		Counts:   counts,
		Peak:     t.peak,
		Wait:     summarize(t.waits),
		Run:      summarize(t.runs),
		Expected: len(t.expected),
	}
}

func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return latencySummary{
		Samples: len(sorted),
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		Max:     sorted[len(sorted)-1],
	}
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func (r report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "queuebench: tasks=%d elapsed=%s peak_concurrency=%d\n", r.Expected, r.Elapsed.Round(time.Millisecond), r.Peak)
	fmt.Fprintf(&b, "  outcomes: done=%d failed=%d canceled=%d\n", r.Counts[queue.StatusDone], r.Counts[queue.StatusFailed], r.Counts[queue.StatusCanceled])
	fmt.Fprintf(&b, "  wait: n=%d p50=%s p95=%s max=%s\n", r.Wait.Samples, r.Wait.P50, r.Wait.P95, r.Wait.Max)
	fmt.Fprintf(&b, "  run:  n=%d p50=%s p95=%s max=%s\n", r.Run.Samples, r.Run.P50, r.Run.P95, r.Run.Max)
	return b.String()
}
