package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/storage"
)

func mustExec(t *testing.T, q storage.Queryer, query string, args ...any) storage.ExecResult {
	t.Helper()
	res, err := q.Exec(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
	return res
}

func TestQueryAndExec(t *testing.T) {
	a := NewSQLiteTest(t)
	ctx := context.Background()
	mustExec(t, a, `CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER, note TEXT)`)
	res := mustExec(t, a, `INSERT INTO kv (k, v, note) VALUES (?, ?, ?)`, "a", 1, nil)
	if res.RowsAffected != 1 || res.LastInsertID != 1 {
		t.Fatalf("unexpected exec result %+v", res)
	}

	out, err := a.Query(ctx, `SELECT k, v, note FROM kv`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out.Len() != 1 || len(out.Columns) != 3 {
		t.Fatalf("unexpected result %+v", out)
	}
	var (
		k    string
		v    int64
		note *string
	)
	if err := out.Row(0).Scan(&k, &v, &note); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if k != "a" || v != 1 || note != nil {
		t.Fatalf("unexpected row %q %d %v", k, v, note)
	}
}

func TestTxRollbackDiscards(t *testing.T) {
	a := NewSQLiteTest(t)
	ctx := context.Background()
	mustExec(t, a, `CREATE TABLE kv (k TEXT PRIMARY KEY)`)

	tx, err := a.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	mustExec(t, tx, `INSERT INTO kv (k) VALUES ('x')`)
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, storage.ErrTxDone) {
		t.Fatalf("expected ErrTxDone after rollback, got %v", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1`); !errors.Is(err, storage.ErrTxDone) {
		t.Fatalf("expected ErrTxDone on exec, got %v", err)
	}

	n, err := storage.QueryInt(ctx, a, `SELECT COUNT(*) FROM kv`)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback to discard row, got %d", n)
	}
}

func TestCancelledTxReportsDone(t *testing.T) {
	a := NewSQLiteFileTest(t)
	mustExec(t, a, `CREATE TABLE kv (k TEXT PRIMARY KEY)`)

	ctx, cancel := context.WithCancel(context.Background())
	tx, err := a.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	cancel()

	// database/sql rolls the transaction back in the background
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = tx.Exec(context.Background(), `INSERT OR REPLACE INTO kv (k) VALUES ('x')`)
		if err != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, storage.ErrTxDone) {
		t.Fatalf("expected ErrTxDone once the begin context ends, got %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, storage.ErrTxDone) {
		t.Fatalf("expected ErrTxDone on commit, got %v", err)
	}

	n, err := storage.QueryInt(context.Background(), a, `SELECT COUNT(*) FROM kv`)
	if err != nil || n != 0 {
		t.Fatalf("expected cancelled tx to leave no rows, got %d err=%v", n, err)
	}
}

func TestReopenFileKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "interlock.db")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustExec(t, a, `CREATE TABLE kv (k TEXT)`)
	mustExec(t, a, `INSERT INTO kv VALUES ('persisted')`)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	out, err := b.Query(context.Background(), `PRAGMA journal_mode`)
	if err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	var mode string
	if err := out.Row(0).Scan(&mode); err != nil || mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q (%v)", mode, err)
	}
	n, err := storage.QueryInt(context.Background(), b, `SELECT COUNT(*) FROM kv`)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 persisted row, got %d (%v)", n, err)
	}
}

// TestConcurrentTransactions checks that transactions from many goroutines
// serialize through the single connection: every read-modify-write of the
// counter lands, none are lost.
func TestConcurrentTransactions(t *testing.T) {
	a := NewSQLiteFileTest(t)
	ctx := context.Background()
	mustExec(t, a, `CREATE TABLE counter (n INTEGER)`)
	mustExec(t, a, `INSERT INTO counter VALUES (0)`)

	const workers = 10
	const perWorker = 10
	var wg sync.WaitGroup
	var errCount atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := storage.WithTx(ctx, a, func(tx storage.Tx) error {
					n, err := storage.QueryInt(ctx, tx, `SELECT n FROM counter`)
					if err != nil {
						return err
					}
					_, err = tx.Exec(ctx, `UPDATE counter SET n = ?`, n+1)
					return err
				})
				if err != nil {
					errCount.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if errCount.Load() != 0 {
		t.Fatalf("%d transactions failed", errCount.Load())
	}
	n, err := storage.QueryInt(ctx, a, `SELECT n FROM counter`)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if n != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, n)
	}
}

func TestTruncateQuery(t *testing.T) {
	long := fmt.Sprintf("%0250d", 0)
	if got := truncateQuery(long); len(got) != 203 {
		t.Fatalf("expected truncated query of 203 bytes, got %d", len(got))
	}
	if got := truncateQuery("SELECT 1"); got != "SELECT 1" {
		t.Fatalf("short query changed: %q", got)
	}
}
