package archive

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/workqueue/internal/queue"
)

var ErrStoreNotFound = errors.New("record not found in archive")

// Entry is one archived terminal record.
type Entry struct {
	QueueID    string       `json:"queue_id"`
	Record     queue.Record `json:"record"`
	ArchivedAt time.Time    `json:"archived_at"`
}

// Store persists finished task records. It is an audit trail only; nothing
// in it is loaded back into a manager.
type Store interface {
	SaveRecord(ctx context.Context, queueID string, rec queue.Record) error
	GetRecord(ctx context.Context, taskID string) (Entry, error)
	ListRecords(ctx context.Context, queueID string, limit int) ([]Entry, error)
	Close() error
}
