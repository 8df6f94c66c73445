// Package eventstore is the append-only event log. Every append runs the
// projector for its type in the same transaction, so the log and the
// projections commit or roll back together.
package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/interlock/internal/core"
	iotel "github.com/mistakeknot/interlock/internal/otel"
	"github.com/mistakeknot/interlock/internal/projection"
	"github.com/mistakeknot/interlock/internal/storage"
)

// AppendResult identifies a stored event and what its projector did.
type AppendResult struct {
	ID       int64
	Sequence int64
	Effect   projection.Effect
}

// Precondition runs inside the append transaction before any event is
// stored. A non-nil error aborts the append and is returned as is.
type Precondition func(ctx context.Context, q storage.Queryer) error

// Observer is called with the events of each committed append, in order.
type Observer func([]core.Event)

// Store appends, reads and replays events on one adapter.
type Store struct {
	db        storage.Adapter
	projector *projection.Projector
	log       *slog.Logger
	metrics   *iotel.Metrics
	tracer    trace.Tracer
	now       func() int64

	mu        sync.RWMutex
	observers []Observer
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *iotel.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// WithClock stamps events that arrive without a timestamp.
func WithClock(now func() int64) Option {
	return func(s *Store) { s.now = now }
}

func New(db storage.Adapter, opts ...Option) *Store {
	s := &Store{
		db:        db,
		projector: projection.NewProjector(),
		log:       slog.Default(),
		now:       core.NowMillis,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnCommit registers fn to run after every successful append. Observers run
// synchronously on the appending goroutine and must not call back into the
// store's write path.
func (s *Store) OnCommit(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Append validates ev, stores it with the next sequence and folds it.
func (s *Store) Append(ctx context.Context, ev core.Event) (AppendResult, error) {
	res, err := s.AppendBatch(ctx, []core.Event{ev})
	if err != nil {
		return AppendResult{}, err
	}
	return res[0], nil
}

// AppendIf is Append guarded by check, which sees the projections as they
// stand at the moment of the write.
func (s *Store) AppendIf(ctx context.Context, ev core.Event, check Precondition) (AppendResult, error) {
	res, err := s.appendBatch(ctx, []core.Event{ev}, check)
	if err != nil {
		return AppendResult{}, err
	}
	return res[0], nil
}

// AppendBatch stores evs atomically: all events and their projections commit
// together, or none do. Validation runs before the transaction opens.
func (s *Store) AppendBatch(ctx context.Context, evs []core.Event) ([]AppendResult, error) {
	return s.appendBatch(ctx, evs, nil)
}

func (s *Store) appendBatch(ctx context.Context, evs []core.Event, check Precondition) ([]AppendResult, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	prepared := make([]core.Event, len(evs))
	for i, ev := range evs {
		if ev.Type == "" && ev.Payload != nil {
			ev.Type = ev.Payload.EventType()
		}
		if ev.Timestamp == 0 {
			ev.Timestamp = s.now()
		}
		if err := ev.Validate(); err != nil {
			return nil, err
		}
		prepared[i] = ev
	}

	ctx, span := iotel.StartSpan(ctx, s.tracer, "eventstore.append",
		iotel.AttrProject.String(prepared[0].ProjectKey),
		iotel.AttrEventType.String(string(prepared[0].Type)))
	defer span.End()
	start := time.Now()

	results := make([]AppendResult, len(prepared))
	err := storage.WithTx(ctx, s.db, func(tx storage.Tx) error {
		if check != nil {
			if err := check(ctx, tx); err != nil {
				return err
			}
		}
		next, err := storage.QueryInt(ctx, tx, `SELECT COALESCE(MAX(sequence), 0) FROM events`)
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		for i := range prepared {
			ev := &prepared[i]
			next++
			data, err := core.EncodePayload(ev.Payload)
			if err != nil {
				return err
			}
			out, err := tx.Exec(ctx, `INSERT INTO events (type, project_key, timestamp, sequence, data) VALUES (?, ?, ?, ?, ?)`,
				string(ev.Type), ev.ProjectKey, ev.Timestamp, next, string(data))
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			ev.ID = out.LastInsertID
			ev.Sequence = next
			eff, err := s.projector.Apply(ctx, tx, *ev)
			if err != nil {
				return err
			}
			results[i] = AppendResult{ID: ev.ID, Sequence: ev.Sequence, Effect: eff}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	elapsed := time.Since(start)
	for _, ev := range prepared {
		s.metrics.RecordAppend(ctx, string(ev.Type), elapsed)
	}
	s.notify(prepared)
	return results, nil
}

func (s *Store) notify(evs []core.Event) {
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("commit observer panicked", "panic", r)
				}
			}()
			fn(evs)
		}()
	}
}

// LatestSequence returns the highest sequence for project, or for the whole
// store when project is empty. An empty log yields 0.
func (s *Store) LatestSequence(ctx context.Context, project string) (int64, error) {
	var (
		n   int64
		err error
	)
	if project == "" {
		n, err = storage.QueryInt(ctx, s.db, `SELECT MAX(sequence) FROM events`)
	} else {
		n, err = storage.QueryInt(ctx, s.db, `SELECT MAX(sequence) FROM events WHERE project_key = ?`, project)
	}
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return n, nil
}
