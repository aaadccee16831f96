package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class names the broad cause of a task failure.
type Class string

const (
	ClassTimeout   Class = "timeout"
	ClassCanceled  Class = "canceled"
	ClassPanic     Class = "panic"
	ClassUpstream  Class = "upstream"
	ClassTransient Class = "transient"
	ClassNetwork   Class = "network"
	ClassError     Class = "error"
)

// StatusError reports a non-2xx response from an outbound HTTP call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify maps err to a Class. A nil error classifies as "".
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return ClassPanic
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if IsRetryableHTTPStatus(statusErr.Code) {
			return ClassTransient
		}
		return ClassUpstream
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return ClassError
}

// Retryable reports whether a failure of class c may succeed on a later attempt.
func (c Class) Retryable() bool {
	switch c {
	case ClassTimeout, ClassTransient, ClassNetwork:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
