package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/workqueue/internal/queue"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initArchiveSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func initArchiveSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_records (
			id TEXT PRIMARY KEY,
			queue_id TEXT NOT NULL,
			label TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			finished_at TIMESTAMPTZ NULL,
			archived_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_records_queue_finished ON queue_records (queue_id, finished_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init archive schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, queueID string, rec queue.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_records (
			id, queue_id, label, status, error, enqueued_at, started_at, finished_at, archived_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			queue_id=EXCLUDED.queue_id,
			label=EXCLUDED.label,
			status=EXCLUDED.status,
			error=EXCLUDED.error,
			enqueued_at=EXCLUDED.enqueued_at,
			started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at,
			archived_at=EXCLUDED.archived_at`,
		rec.ID,
		queueID,
		rec.Label,
		string(rec.Status),
		rec.Error,
		rec.EnqueuedAt,
		rec.StartedAt,
		rec.FinishedAt,
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, taskID string) (Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT queue_id, id, label, status, error, enqueued_at, started_at, finished_at, archived_at
		   FROM queue_records WHERE id=$1`,
		taskID,
	)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrStoreNotFound
		}
		return Entry{}, fmt.Errorf("get record: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, queueID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT queue_id, id, label, status, error, enqueued_at, started_at, finished_at, archived_at
		   FROM queue_records WHERE queue_id=$1 ORDER BY finished_at DESC NULLS LAST LIMIT $2`,
		queueID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		entry    Entry
		status   string
		started  *time.Time
		finished *time.Time
	)
	if err := row.Scan(
		&entry.QueueID,
		&entry.Record.ID,
		&entry.Record.Label,
		&status,
		&entry.Record.Error,
		&entry.Record.EnqueuedAt,
		&started,
		&finished,
		&entry.ArchivedAt,
	); err != nil {
		return Entry{}, err
	}
	entry.Record.Status = queue.Status(status)
	entry.Record.StartedAt = started
	entry.Record.FinishedAt = finished
	return entry, nil
}
