// Package remote is the storage adapter used by processes that do not own
// the database. It speaks the daemon's HTTP/JSON protocol over a unix
// socket or TCP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/storage"
)

// Error is a failure reported by a reachable daemon.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %s (%s, %d)", e.Message, e.Code, e.Status)
}

// Adapter implements storage.Adapter against a running daemon.
type Adapter struct {
	baseURL string
	http    *http.Client
	apiKey  string
	breaker *breaker
	log     *slog.Logger

	closeOnce sync.Once
}

var _ storage.Adapter = (*Adapter)(nil)

type Option func(*Adapter)

// WithAPIKey sends key as a bearer token. The daemon honours keys for Tail
// and health checks only; SQL calls with a key are refused.
func WithAPIKey(key string) Option {
	return func(a *Adapter) { a.apiKey = strings.TrimSpace(key) }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.http = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithBreaker sets how many consecutive transport failures open the circuit
// and how long it stays open before a trial call.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(a *Adapter) { a.breaker = newBreaker(threshold, cooldown, a.log) }
}

// Dial returns an adapter for addr, either "unix:///path/to.sock" (or a bare
// socket path) or an http:// base URL. No connection is made until the first
// call.
func Dial(addr string, opts ...Option) (*Adapter, error) {
	a := &Adapter{log: slog.Default()}
	base, transport, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	a.baseURL = base
	a.http = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "remote", "addr", addr)
	if a.breaker == nil {
		a.breaker = newBreaker(0, 0, a.log)
	}
	return a, nil
}

// BaseURL is the http URL requests are sent to; unix sockets use a
// placeholder host.
func (a *Adapter) BaseURL() string { return a.baseURL }

func resolve(addr string) (string, http.RoundTripper, error) {
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return strings.TrimRight(addr, "/"), http.DefaultTransport, nil
	case strings.HasPrefix(addr, "unix://"):
		u, err := url.Parse(addr)
		if err != nil {
			return "", nil, fmt.Errorf("parse %q: %w", addr, err)
		}
		return "http://interlock", unixTransport(u.Path), nil
	case strings.HasPrefix(addr, "/"):
		return "http://interlock", unixTransport(addr), nil
	case addr == "":
		return "", nil, errors.New("remote: daemon address required")
	}
	return "http://" + strings.TrimRight(addr, "/"), http.DefaultTransport, nil
}

func unixTransport(path string) http.RoundTripper {
	var d net.Dialer
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", path)
		},
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
}

func (a *Adapter) Query(ctx context.Context, query string, args ...any) (*storage.Result, error) {
	var out storage.Result
	if err := a.call(ctx, RouteQuery, Statement{SQL: query, Args: args}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (storage.ExecResult, error) {
	var out storage.ExecResult
	err := a.call(ctx, RouteExec, Statement{SQL: query, Args: args}, &out)
	return out, err
}

// Begin opens a server-side transaction. The daemon rolls it back if it
// sits idle past its timeout.
func (a *Adapter) Begin(ctx context.Context) (storage.Tx, error) {
	var out BeginResponse
	if err := a.call(ctx, RouteTxBegin, struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{a: a, prefix: RouteTx + url.PathEscape(out.TxID)}, nil
}

// Close releases idle connections. The daemon is unaffected.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { a.http.CloseIdleConnections() })
	return nil
}

// Health asks the daemon for its health report.
func (a *Adapter) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := a.breaker.do(func() error {
		resp, err := a.send(ctx, http.MethodGet, RouteHealth, nil)
		if err != nil {
			return err
		}
		return decodeResponse(resp, &out)
	}, isTransport)
	return out, err
}

func (a *Adapter) call(ctx context.Context, route string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return a.breaker.do(func() error {
		resp, err := a.send(ctx, http.MethodPost, route, body)
		if err != nil {
			return err
		}
		return decodeResponse(resp, out)
	}, isTransport)
}

func (a *Adapter) send(ctx context.Context, method, route string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+route, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Code == CodeTxNotFound {
			return fmt.Errorf("%s: %w", e.Error, storage.ErrTxDone)
		}
		if e.Code == "" {
			e.Code = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// transportError marks failures to reach the daemon at all.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// isTransport reports whether err should count against the breaker:
// unreachable daemon or a 5xx from it. Caller cancellation does not count.
func isTransport(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var re *Error
	return errors.As(err, &re) && re.Status >= 500 && re.Code != CodeSQL
}

// IsUnavailable reports whether err means the daemon could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || isTransport(err)
}

// Tx is a daemon-side transaction.
type Tx struct {
	a      *Adapter
	prefix string

	mu   sync.Mutex
	done bool
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*storage.Result, error) {
	if t.finished() {
		return nil, storage.ErrTxDone
	}
	var out storage.Result
	if err := t.a.call(ctx, t.prefix+"/query", Statement{SQL: query, Args: args}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (storage.ExecResult, error) {
	if t.finished() {
		return storage.ExecResult{}, storage.ErrTxDone
	}
	var out storage.ExecResult
	err := t.a.call(ctx, t.prefix+"/exec", Statement{SQL: query, Args: args}, &out)
	return out, err
}

func (t *Tx) Commit() error   { return t.end("/commit") }
func (t *Tx) Rollback() error { return t.end("/rollback") }

func (t *Tx) end(action string) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return storage.ErrTxDone
	}
	t.done = true
	t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.a.call(ctx, t.prefix+action, struct{}{}, nil)
}

func (t *Tx) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
