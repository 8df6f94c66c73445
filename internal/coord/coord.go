// Package coord is the API collaborators call. A Coordinator binds one
// storage adapter to one project key and routes writes through the event
// store and reads through the projections.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/eventstore"
	"github.com/mistakeknot/interlock/internal/migrate"
	iotel "github.com/mistakeknot/interlock/internal/otel"
	"github.com/mistakeknot/interlock/internal/projection"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefaultHealthTimeout bounds a HealthCheck call.
const DefaultHealthTimeout = 2 * time.Second

// ErrNoProject is returned by New when the project key is empty.
var ErrNoProject = errors.New("coord: project key required")

type Coordinator struct {
	db      storage.Adapter
	project string

	store    *eventstore.Store
	read     *projection.Reader
	migrator *migrate.Manager

	log           *slog.Logger
	metrics       *iotel.Metrics
	tracer        trace.Tracer
	healthTimeout time.Duration
	now           func() time.Time
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *iotel.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(c *Coordinator) { c.tracer = t } }

func WithHealthTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.healthTimeout = d
		}
	}
}

// WithClock overrides the wall clock used for event timestamps and expiry.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New binds db and project. It does not migrate; call Migrate or use Open.
func New(db storage.Adapter, project string, opts ...Option) (*Coordinator, error) {
	if project == "" {
		return nil, ErrNoProject
	}
	c := &Coordinator{
		db:            db,
		project:       project,
		log:           slog.Default(),
		healthTimeout: DefaultHealthTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("project", project)
	c.store = eventstore.New(db,
		eventstore.WithLogger(c.log),
		eventstore.WithMetrics(c.metrics),
		eventstore.WithTracer(c.tracer),
		eventstore.WithClock(func() int64 { return c.now().UnixMilli() }),
	)
	c.read = projection.NewReader(db, projection.WithClock(c.now))
	c.migrator = migrate.New(db, migrate.WithLogger(c.log))
	return c, nil
}

func (c *Coordinator) Project() string { return c.project }

// Adapter returns the underlying storage adapter.
func (c *Coordinator) Adapter() storage.Adapter { return c.db }

// OnCommit registers an observer for committed events of every project
// sharing this adapter's store instance.
func (c *Coordinator) OnCommit(fn eventstore.Observer) { c.store.OnCommit(fn) }

// Append records an arbitrary payload for this project.
func (c *Coordinator) Append(ctx context.Context, p core.Payload) (eventstore.AppendResult, error) {
	return c.store.Append(ctx, c.event(p))
}

func (c *Coordinator) event(p core.Payload) core.Event {
	return core.Event{ProjectKey: c.project, Timestamp: c.now().UnixMilli(), Payload: p}
}

// Events reads this project's log. The filter's project is forced.
func (c *Coordinator) Events(ctx context.Context, f eventstore.Filter) ([]core.Event, error) {
	f.ProjectKey = c.project
	return c.store.Read(ctx, f)
}

func (c *Coordinator) LatestSequence(ctx context.Context) (int64, error) {
	return c.store.LatestSequence(ctx, c.project)
}

// Replay re-folds this project's events. See eventstore.Store.Replay for
// what happens without clearViews.
func (c *Coordinator) Replay(ctx context.Context, clearViews bool) (eventstore.ReplayResult, error) {
	return c.store.Replay(ctx, eventstore.Filter{ProjectKey: c.project}, clearViews)
}

func (c *Coordinator) Migrate(ctx context.Context) (migrate.Report, error) {
	return c.migrator.Run(ctx)
}

func (c *Coordinator) Stats(ctx context.Context) (projection.Stats, error) {
	return c.read.Stats(ctx, c.project)
}

// HealthCheck runs a trivial query raced against the health timeout. Any
// error or timeout reports false; errors are logged, never returned.
func (c *Coordinator) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.db.Query(ctx, `SELECT 1`)
		done <- err
	}()

	healthy := false
	select {
	case err := <-done:
		if err != nil {
			c.log.Debug("health check failed", "error", err)
		} else {
			healthy = true
		}
	case <-ctx.Done():
		c.log.Debug("health check timed out", "timeout", c.healthTimeout)
	}
	c.metrics.RecordHealth(ctx, healthy)
	return healthy
}

// Reset deletes every event and projection row for all projects on this
// adapter. It is a development operation and is not recorded as an event.
func (c *Coordinator) Reset(ctx context.Context) error {
	err := storage.WithTx(ctx, c.db, func(tx storage.Tx) error {
		for _, table := range append(append([]string{}, migrate.Tables...), "events") {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Warn("store reset: all events and projections deleted")
	return nil
}
