package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

// testEnv bundles a Service over an in-memory database and an httptest
// server. httptest connects from loopback, so the default keyring lets
// requests through without a key.
type testEnv struct {
	srv *httptest.Server
	svc *Service
	db  *sqlite.Adapter
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db := sqlite.NewSQLiteTest(t)
	if _, err := db.Exec(context.Background(), `CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER, f REAL, note TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	svc := NewService(db, opts...)
	t.Cleanup(svc.Close)
	srv := httptest.NewServer(NewRouter(svc, nil, nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, svc: svc, db: db}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}
