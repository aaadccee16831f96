package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/workqueue/internal/queue"
	"github.com/ent0n29/workqueue/internal/reliability"
)

const KindWebhook = "webhook"

type webhookParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers"`
}

// WebhookRunner issues one outbound HTTP request per task. Only hosts in
// the allowlist may be targeted; "*" allows any host.
type WebhookRunner struct {
	client   *http.Client
	allowed  map[string]bool
	allowAll bool
}

func NewWebhookRunner(client *http.Client, allowedHosts []string) *WebhookRunner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	w := &WebhookRunner{client: client, allowed: make(map[string]bool)}
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		switch h {
		case "":
		case "*":
			w.allowAll = true
		default:
			w.allowed[h] = true
		}
	}
	return w
}

// Enabled reports whether any host is allowed.
func (w *WebhookRunner) Enabled() bool {
	return w != nil && (w.allowAll || len(w.allowed) > 0)
}

func (w *WebhookRunner) hostAllowed(u *url.URL) bool {
	return w.allowAll || w.allowed[strings.ToLower(u.Hostname())]
}

func (w *WebhookRunner) Factory(params json.RawMessage) (queue.Task, error) {
	var p webhookParams
	if err := decodeParams(params, &p); err != nil {
		return queue.Task{}, err
	}
	target, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return queue.Task{}, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidParams)
	}
	if !w.hostAllowed(target) {
		return queue.Task{}, fmt.Errorf("%w: host %q is not in the webhook allowlist", ErrInvalidParams, target.Hostname())
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return queue.Task{}, fmt.Errorf("%w: unsupported method %q", ErrInvalidParams, method)
	}
	body := []byte(p.Body)
	headers := p.Headers
	endpoint := target.String()

	return queue.Task{
		Label: fmt.Sprintf("%s %s", method, target.Host),
		Execute: func(ctx context.Context) error {
			return w.send(ctx, method, endpoint, body, headers)
		},
	}, nil
}

func (w *WebhookRunner) send(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("webhook %s %s: %w", method, req.URL.Host, &reliability.StatusError{
			Code: res.StatusCode,
			Body: strings.TrimSpace(string(snippet)),
		})
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
