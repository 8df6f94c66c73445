// Package sqlite is the local storage adapter: one process, one connection,
// one writer. Other processes reach the same database through the daemon.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interlock/internal/storage"
)

const defaultBusyTimeout = 5 * time.Second

type options struct {
	logger        *slog.Logger
	busyTimeout   time.Duration
	slowThreshold time.Duration
}

// Option configures Open.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithSlowQueryThreshold sets the duration above which statements are logged
// at WARN. Zero disables slow query logging.
func WithSlowQueryThreshold(d time.Duration) Option {
	return func(o *options) { o.slowThreshold = d }
}

// Adapter implements storage.Adapter over modernc.org/sqlite.
type Adapter struct {
	db        dbHandle
	path      string
	log       *slog.Logger
	threshold time.Duration
}

var _ storage.Adapter = (*Adapter)(nil)

// Open opens (creating if needed) the database file at path in WAL mode. It
// does not create any tables; run the migration manager for that.
func Open(path string, opts ...Option) (*Adapter, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	o := buildOptions(opts)
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path, o.busyTimeout.Milliseconds())
	return open(dsn, path, o)
}

// OpenInMemory opens a private in-memory database. The single connection is
// never recycled so the data lives as long as the adapter.
func OpenInMemory(opts ...Option) (*Adapter, error) {
	o := buildOptions(opts)
	return open("file::memory:?_txlock=immediate&_pragma=foreign_keys(1)", ":memory:", o)
}

func buildOptions(opts []Option) options {
	o := options{
		logger:        slog.Default(),
		busyTimeout:   defaultBusyTimeout,
		slowThreshold: defaultSlowQueryThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func open(dsn, path string, o options) (*Adapter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// The engine is single-writer; one connection makes that explicit and
	// serializes every transaction through database/sql's pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	logger := o.logger.With("component", "sqlite")
	return &Adapter{
		db:        &queryLogger{inner: db, log: logger, threshold: o.slowThreshold},
		path:      path,
		log:       logger,
		threshold: o.slowThreshold,
	}, nil
}

// Path is the database file path, or ":memory:".
func (a *Adapter) Path() string { return a.path }

func (a *Adapter) Query(ctx context.Context, query string, args ...any) (*storage.Result, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (storage.ExecResult, error) {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.ExecResult{}, err
	}
	return execResult(res), nil
}

// Begin starts an IMMEDIATE transaction. While it is open every other call on
// the adapter waits for the single connection.
func (a *Adapter) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, log: a.log, threshold: a.threshold}, nil
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

// Tx wraps *sql.Tx with the storage result types.
type Tx struct {
	mu        sync.Mutex
	tx        *sql.Tx
	done      bool
	log       *slog.Logger
	threshold time.Duration
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*storage.Result, error) {
	if t.finished() {
		return nil, storage.ErrTxDone
	}
	start := time.Now()
	rows, err := t.tx.QueryContext(ctx, query, args...)
	logSlow(t.log, t.threshold, start, query)
	if err != nil {
		return nil, txErr(err)
	}
	return collect(rows)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (storage.ExecResult, error) {
	if t.finished() {
		return storage.ExecResult{}, storage.ErrTxDone
	}
	start := time.Now()
	res, err := t.tx.ExecContext(ctx, query, args...)
	logSlow(t.log, t.threshold, start, query)
	if err != nil {
		return storage.ExecResult{}, txErr(err)
	}
	return execResult(res), nil
}

func (t *Tx) Commit() error {
	if !t.finish() {
		return storage.ErrTxDone
	}
	return txErr(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	if !t.finish() {
		return storage.ErrTxDone
	}
	return txErr(t.tx.Rollback())
}

// txErr maps a transaction the driver already ended to storage.ErrTxDone.
func txErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", storage.ErrTxDone, err)
	}
	return err
}

func (t *Tx) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Tx) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func collect(rows *sql.Rows) (*storage.Result, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &storage.Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

func execResult(res sql.Result) storage.ExecResult {
	var out storage.ExecResult
	out.RowsAffected, _ = res.RowsAffected()
	out.LastInsertID, _ = res.LastInsertId()
	return out
}
