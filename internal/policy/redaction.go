// Package policy scrubs sensitive values from text that leaves a queue:
// alert messages, archived task errors and labels.
package policy

import (
	"regexp"

	"github.com/ent0n29/workqueue/internal/queue"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order. Cards go before phones so long digit runs are not
// reported as phone numbers. URL credentials go before emails so
// "user:pass@host" keeps its host.
var rules = []rule{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^/\s:@]+:[^/\s@]+@`), "${1}[REDACTED_CREDENTIALS]@"},
	{regexp.MustCompile(`(?i)\b(bearer|token|api[_-]?key|secret)([=:\s]+)[A-Za-z0-9._\-]{8,}`), "${1}${2}[REDACTED_TOKEN]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// Redact masks credentials and common PII patterns in input.
func Redact(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.replacement)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

func redacted(s string) string {
	out, _ := Redact(s)
	return out
}

// RedactRecord returns a copy of rec with its label and error scrubbed.
func RedactRecord(rec queue.Record) queue.Record {
	rec.Label = redacted(rec.Label)
	rec.Error = redacted(rec.Error)
	return rec
}

// RedactAlert returns a copy of a with its label and message scrubbed.
func RedactAlert(a queue.Alert) queue.Alert {
	a.Label = redacted(a.Label)
	a.Message = redacted(a.Message)
	return a
}
