package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/workqueue/internal/queue"
)

const (
	KindSleep        = "sleep"
	maxSleepDuration = 10 * time.Minute
)

type sleepParams struct {
	Duration string `json:"duration"`
	Fail     string `json:"fail"`
}

// SleepFactory builds a task that waits for duration and then fails with
// the fail message if one is set.
func SleepFactory(params json.RawMessage) (queue.Task, error) {
	var p sleepParams
	if err := decodeParams(params, &p); err != nil {
		return queue.Task{}, err
	}
	d := time.Duration(0)
	if s := strings.TrimSpace(p.Duration); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return queue.Task{}, fmt.Errorf("%w: duration: %v", ErrInvalidParams, err)
		}
		d = parsed
	}
	if d < 0 || d > maxSleepDuration {
		return queue.Task{}, fmt.Errorf("%w: duration must be between 0 and %s", ErrInvalidParams, maxSleepDuration)
	}
	failMsg := strings.TrimSpace(p.Fail)

	return queue.Task{
		Label: fmt.Sprintf("sleep %s", d),
		Execute: func(ctx context.Context) error {
			if d > 0 {
				timer := time.NewTimer(d)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
			}
			if failMsg != "" {
				return errors.New(failMsg)
			}
			return nil
		},
	}, nil
}
