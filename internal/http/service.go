// Package httpapi serves the daemon's wire protocol: the storage adapter
// interface (query, exec, transactions) over HTTP/JSON, plus health.
package httpapi

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	iotel "github.com/mistakeknot/interlock/internal/otel"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefaultTxIdleTimeout is how long a server-side transaction may sit without
// a request before the daemon rolls it back.
const DefaultTxIdleTimeout = 30 * time.Second

// Waker is notified after every successful write so event subscribers can
// look for new rows immediately.
type Waker interface {
	Wake()
}

type Service struct {
	db      storage.Adapter
	log     *slog.Logger
	metrics *iotel.Metrics
	tracer  trace.Tracer
	waker   Waker
	dbPath  string
	txIdle  time.Duration
	started time.Time

	mu  sync.Mutex
	txs map[string]*openTx
}

type openTx struct {
	id    string
	tx    storage.Tx
	timer *time.Timer
	// requests on one transaction are serialized
	mu sync.Mutex
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *iotel.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func WithWaker(w Waker) Option { return func(s *Service) { s.waker = w } }

// WithDBPath is reported by the health route.
func WithDBPath(p string) Option { return func(s *Service) { s.dbPath = p } }

func WithTxIdleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.txIdle = d
		}
	}
}

func NewService(db storage.Adapter, opts ...Option) *Service {
	s := &Service{
		db:      db,
		log:     slog.Default(),
		txIdle:  DefaultTxIdleTimeout,
		started: time.Now(),
		txs:     make(map[string]*openTx),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "httpapi")
	return s
}

// OpenTx returns the number of live server-side transactions.
func (s *Service) OpenTx() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Close rolls back every open transaction. The adapter itself is owned by
// the caller.
func (s *Service) Close() {
	s.mu.Lock()
	txs := make([]*openTx, 0, len(s.txs))
	for id, t := range s.txs {
		txs = append(txs, t)
		delete(s.txs, id)
	}
	s.mu.Unlock()
	for _, t := range txs {
		t.timer.Stop()
		t.mu.Lock()
		_ = t.tx.Rollback()
		t.mu.Unlock()
		s.metrics.AddOpenTx(context.Background(), -1)
	}
}

// begin opens a transaction that outlives the request that created it.
// database/sql rolls a transaction back when its context ends, so the
// transaction gets a context the service owns; the idle timer ends it.
func (s *Service) begin(ctx context.Context) (string, error) {
	tx, err := s.db.Begin(context.WithoutCancel(ctx))
	if err != nil {
		return "", err
	}
	t := &openTx{id: uuid.NewString(), tx: tx}
	t.timer = time.AfterFunc(s.txIdle, func() { s.expire(t.id) })
	s.mu.Lock()
	s.txs[t.id] = t
	s.mu.Unlock()
	s.metrics.AddOpenTx(ctx, 1)
	return t.id, nil
}

// lookup returns the transaction and pushes back its idle deadline. The
// caller must hold t.mu while using t.tx.
func (s *Service) lookup(id string) (*openTx, bool) {
	s.mu.Lock()
	t, ok := s.txs[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	t.timer.Reset(s.txIdle)
	return t, true
}

// detach removes id from the registry; only the caller that detaches a
// transaction may finish it.
func (s *Service) detach(id string) (*openTx, bool) {
	s.mu.Lock()
	t, ok := s.txs[id]
	if ok {
		delete(s.txs, id)
	}
	s.mu.Unlock()
	if ok {
		t.timer.Stop()
		s.metrics.AddOpenTx(context.Background(), -1)
	}
	return t, ok
}

func (s *Service) expire(id string) {
	t, ok := s.detach(id)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.Rollback(); err != nil {
		s.log.Warn("idle transaction rollback failed", "tx", id, "error", err)
		return
	}
	s.log.Warn("rolled back idle transaction", "tx", id, "idle", s.txIdle)
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

func (s *Service) pid() int { return os.Getpid() }
