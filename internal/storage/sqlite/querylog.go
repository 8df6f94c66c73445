package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const defaultSlowQueryThreshold = 100 * time.Millisecond

// dbHandle is the subset of *sql.DB the adapter uses, satisfied by both
// *sql.DB and *queryLogger.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// queryLogger wraps a *sql.DB and logs statements slower than threshold.
type queryLogger struct {
	inner     *sql.DB
	log       *slog.Logger
	threshold time.Duration
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := q.inner.ExecContext(ctx, query, args...)
	logSlow(q.log, q.threshold, start, query)
	return result, err
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.inner.QueryContext(ctx, query, args...)
	logSlow(q.log, q.threshold, start, query)
	return rows, err
}

func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	start := time.Now()
	tx, err := q.inner.BeginTx(ctx, opts)
	logSlow(q.log, q.threshold, start, "BEGIN IMMEDIATE")
	return tx, err
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

func logSlow(log *slog.Logger, threshold time.Duration, start time.Time, query string) {
	if threshold <= 0 || log == nil {
		return
	}
	if d := time.Since(start); d >= threshold {
		log.Warn("slow query", "duration", d.Round(time.Millisecond), "query", truncateQuery(query))
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
