// Package sweep purges reservation rows that stopped mattering long ago.
// Expiry itself stays lazy: readers compare expires_at to the clock, so
// a sweep never changes what any query returns for live reservations.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mistakeknot/interlock/internal/storage"
)

// parser accepts 5-field expressions and descriptors such as "@every 1h".
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ErrNoSchedule is returned by New for an empty schedule.
var ErrNoSchedule = errors.New("sweep: schedule required")

type Sweeper struct {
	db       storage.Adapter
	spec     string
	schedule cron.Schedule
	retain   time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	runner *cron.Cron
}

type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New parses spec and binds the sweeper to db. Rows are purged once they
// have been expired or released for longer than retain.
func New(db storage.Adapter, spec string, retain time.Duration, opts ...Option) (*Sweeper, error) {
	if spec == "" {
		return nil, ErrNoSchedule
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("sweep: parse schedule %q: %w", spec, err)
	}
	if retain < 0 {
		retain = 0
	}
	s := &Sweeper{
		db:       db,
		spec:     spec,
		schedule: sched,
		retain:   retain,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "sweep")
	return s, nil
}

// Next reports when the schedule fires after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Start runs one sweep immediately, then on every tick of the schedule
// until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return
	}
	s.runner = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	s.runner.Schedule(s.schedule, cron.FuncJob(func() { s.run(ctx) }))
	s.run(ctx)
	s.runner.Start()
	s.log.Info("sweep scheduled", "schedule", s.spec, "retain", s.retain, "next", s.Next(s.now()).UTC())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.mu.Unlock()
	if runner == nil {
		return
	}
	<-runner.Stop().Done()
}

func (s *Sweeper) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Warn("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("purged reservations", "count", n)
	}
}

// Sweep deletes reservation rows of every project that expired or were
// released before now minus the retention window, and returns how many
// went. Events are untouched; a replay with cleared views restores them.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retain).UnixMilli()
	res, err := s.db.Exec(ctx, `DELETE FROM reservations
WHERE (released_at IS NOT NULL AND released_at < ?)
   OR (released_at IS NULL AND expires_at < ?)`, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge reservations: %w", err)
	}
	return res.RowsAffected, nil
}
