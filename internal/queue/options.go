package queue

import (
	"log/slog"
	"time"
)

const (
	DefaultMaxConcurrency  = 1
	DefaultMaxQueueHistory = 50
)

// Option configures a Manager.
type Option func(*Manager)

func WithMaxConcurrency(n int) Option {
	return func(m *Manager) { m.maxConcurrency = clampConcurrency(n) }
}

func WithMaxQueueHistory(n int) Option {
	return func(m *Manager) { m.maxQueueHistory = clampHistory(n) }
}

func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithAlerter(a Alerter) Option {
	return func(m *Manager) { m.alerter = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func clampHistory(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
