package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"insight-agent/internal/model"
)

var ErrClosed = errors.New("queue closed")

// AUTOINCREMENT keeps ids strictly increasing even after the newest row is deleted.
const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_ts ON metrics (ts);
`

// SQLite caps bound parameters per statement; 500 stays well under every default.
const deleteChunkSize = 500

type Config struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
	Now      func() time.Time
}

// Queue is the durable local buffer between the sampler and the uploader.
// Records are appended in id order, read without removal by Drain, and removed
// only by DeleteByIDs or Prune.
type Queue struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	now    func() time.Time
	path   string
	closed atomic.Bool
}

type Stats struct {
	Depth  int64
	Oldest string
	Newest string
}

func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pool, err := openPool(cfg.Path, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	q := &Queue{pool: pool, logger: logger, now: now, path: cfg.Path}

	conn, err := pool.Take(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("queue: take connection: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	logger.Info("queue opened", "path", cfg.Path)
	return q, nil
}

func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := q.pool.Close(); err != nil {
		return fmt.Errorf("queue: close %s: %w", q.path, err)
	}
	q.logger.Info("queue closed", "path", q.path)
	return nil
}

// Append stores one record and returns its id once the insert has committed.
func (q *Queue) Append(ctx context.Context, ts time.Time, payload []byte) (id int64, err error) {
	conn, err := q.take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: append: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: append: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `INSERT INTO metrics (ts, payload) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{model.FormatTimestamp(ts), string(payload)},
	})
	if err != nil {
		return 0, fmt.Errorf("queue: append: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// Prune deletes records strictly older than now minus retentionDays. A record
// stamped exactly at the cutoff is kept.
func (q *Queue) Prune(ctx context.Context, retentionDays int) (pruned int64, err error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("queue: prune: negative retention %d", retentionDays)
	}
	cutoff := q.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	conn, err := q.take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `DELETE FROM metrics WHERE ts < ?`, &sqlitex.ExecOptions{
		Args: []any{model.FormatTimestamp(cutoff)},
	})
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	return int64(conn.Changes()), nil
}

// Drain returns up to limit of the oldest records without removing them.
func (q *Queue) Drain(ctx context.Context, limit int) ([]model.Record, error) {
	if limit < 0 {
		return nil, fmt.Errorf("queue: drain: negative limit %d", limit)
	}
	if limit == 0 {
		return nil, nil
	}
	return q.selectRecords(ctx, `SELECT id, ts, payload FROM metrics ORDER BY id ASC LIMIT ?`, limit)
}

// Recent returns up to limit of the newest records, newest first.
func (q *Queue) Recent(ctx context.Context, limit int) ([]model.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.selectRecords(ctx, `SELECT id, ts, payload FROM metrics ORDER BY id DESC LIMIT ?`, limit)
}

func (q *Queue) selectRecords(ctx context.Context, query string, limit int) ([]model.Record, error) {
	conn, err := q.take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	defer q.pool.Put(conn)

	records := make([]model.Record, 0, min(limit, 256))
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, model.Record{
				ID:        stmt.ColumnInt64(0),
				Timestamp: stmt.ColumnText(1),
				Payload:   []byte(stmt.ColumnText(2)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	return records, nil
}

// DeleteByIDs removes the given ids in one transaction. Ids that are already
// gone, for example pruned since they were drained, are skipped silently.
func (q *Queue) DeleteByIDs(ctx context.Context, ids []int64) (deleted int64, err error) {
	if len(ids) == 0 {
		return 0, nil
	}
	conn, err := q.take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: delete: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: delete: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for start := 0; start < len(ids); start += deleteChunkSize {
		chunk := ids[start:min(start+deleteChunkSize, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `DELETE FROM metrics WHERE id IN (` + placeholders(len(chunk)) + `)`
		if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return 0, fmt.Errorf("queue: delete: %w", err)
		}
		deleted += int64(conn.Changes())
	}
	return deleted, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	conn, err := q.take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	defer q.pool.Put(conn)

	var st Stats
	err = sqlitex.Execute(conn, `SELECT COUNT(*), MIN(ts), MAX(ts) FROM metrics`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			st.Depth = stmt.ColumnInt64(0)
			st.Oldest = stmt.ColumnText(1)
			st.Newest = stmt.ColumnText(2)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return st, nil
}

func (q *Queue) take(ctx context.Context) (*sqlite.Conn, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
