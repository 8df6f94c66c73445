// Package storage defines the minimal adapter every other package talks to:
// query, exec, and explicit transactions over one embedded database.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrTxDone is returned when a transaction is used after Commit or Rollback.
var ErrTxDone = errors.New("storage: transaction already finished")

// ExecResult mirrors sql.Result as plain values so it can cross a socket.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// Queryer runs statements. Both adapters and transactions satisfy it.
type Queryer interface {
	Query(ctx context.Context, query string, args ...any) (*Result, error)
	Exec(ctx context.Context, query string, args ...any) (ExecResult, error)
}

// Tx is a write transaction. Exactly one of Commit or Rollback takes effect;
// calling either again returns ErrTxDone.
type Tx interface {
	Queryer
	Commit() error
	Rollback() error
}

// Adapter abstracts the embedded engine. Implementations: the local sqlite
// adapter owned by one process, and the remote adapter talking to the daemon.
type Adapter interface {
	Queryer
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func WithTx(ctx context.Context, a Adapter, fn func(Tx) error) (err error) {
	tx, err := a.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// QueryInt returns the first column of the first row as an int64, or 0 when
// there are no rows or the value is NULL.
func QueryInt(ctx context.Context, q Queryer, query string, args ...any) (int64, error) {
	res, err := q.Query(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0, nil
	}
	var n *int64
	if err := res.Row(0).Scan(&n); err != nil {
		return 0, err
	}
	if n == nil {
		return 0, nil
	}
	return *n, nil
}
