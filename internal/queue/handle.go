package queue

import "context"

// Handle tracks a single enqueued task. Callers may ignore it.
type Handle struct {
	entry *entry
}

func (h *Handle) ID() string {
	return h.entry.rec.ID
}

// Done is closed once the task reaches done, failed or canceled.
func (h *Handle) Done() <-chan struct{} {
	return h.entry.done
}

// Wait blocks until the task finishes and returns its final record. The
// record is available even after history trimming has dropped it.
func (h *Handle) Wait(ctx context.Context) (Record, error) {
	select {
	case <-h.entry.done:
		return h.entry.rec.Clone(), nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}
