package sqlite

import (
	"path/filepath"
	"testing"
)

// NewSQLiteTest returns an in-memory adapter closed at test cleanup.
func NewSQLiteTest(t testing.TB) *Adapter {
	t.Helper()
	a, err := OpenInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// NewSQLiteFileTest returns a WAL file-backed adapter in a temp dir. Use it
// when a test needs a real path (lock files, reopen, concurrency).
func NewSQLiteFileTest(t testing.TB) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "interlock.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}
