// Package migrate applies the versioned schema and repairs drift in the
// agents table afterwards.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Migration is one schema version. Up and Down may hold several statements.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationError is fatal: the failing version was rolled back, earlier
// versions stay applied and later ones were not attempted.
type MigrationError struct {
	Version     int
	Description string
	Direction   string
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s) %s: %v", e.Version, e.Description, e.Direction, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Report summarizes a Run.
type Report struct {
	From             int
	To               int
	Applied          []int
	SelfHealed       []string
	SelfHealWarnings []string
}

// Manager runs migrations against one adapter.
type Manager struct {
	db         storage.Adapter
	migrations []Migration
	log        *slog.Logger
	now        func() time.Time
}

type Option func(*Manager)

// WithMigrations replaces the canonical list, for tests.
func WithMigrations(m []Migration) Option { return func(mg *Manager) { mg.migrations = m } }

func WithLogger(l *slog.Logger) Option { return func(mg *Manager) { mg.log = l } }

func New(db storage.Adapter, opts ...Option) *Manager {
	m := &Manager{db: db, migrations: Canonical(), log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "migrate")
	return m
}

const versionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL,
  description TEXT NOT NULL DEFAULT ''
);`

func (m *Manager) ensureVersionTable(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, versionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	return nil
}

func (m *Manager) sorted() ([]Migration, error) {
	list := append([]Migration(nil), m.migrations...)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	for i, mg := range list {
		if mg.Version < 0 {
			return nil, fmt.Errorf("migration %d: negative version", mg.Version)
		}
		if i > 0 && list[i-1].Version == mg.Version {
			return nil, fmt.Errorf("migration %d: duplicate version", mg.Version)
		}
	}
	return list, nil
}

// CurrentVersion is the highest applied version, or -1 on an empty database.
func (m *Manager) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return -1, err
	}
	res, err := m.db.Query(ctx, `SELECT MAX(version) FROM schema_version`)
	if err != nil {
		return -1, fmt.Errorf("read schema version: %w", err)
	}
	var v *int64
	if res.Len() > 0 {
		if err := res.Row(0).Scan(&v); err != nil {
			return -1, err
		}
	}
	if v == nil {
		return -1, nil
	}
	return int(*v), nil
}

// Applied lists applied versions ascending.
func (m *Manager) Applied(ctx context.Context) ([]core.SchemaVersion, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, err
	}
	res, err := m.db.Query(ctx, `SELECT version, applied_at, description FROM schema_version ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema versions: %w", err)
	}
	out := make([]core.SchemaVersion, 0, res.Len())
	err = res.Each(func(r storage.Row) error {
		var (
			sv        core.SchemaVersion
			appliedAt int64
		)
		if err := r.Scan(&sv.Version, &appliedAt, &sv.Description); err != nil {
			return err
		}
		sv.AppliedAt = time.UnixMilli(appliedAt).UTC()
		out = append(out, sv)
		return nil
	})
	return out, err
}

// Run applies every pending migration in its own transaction, then runs the
// self-heal pass. Only migration failures are returned; self-heal problems
// are logged and reported.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	list, err := m.sorted()
	if err != nil {
		return Report{}, err
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{From: current, To: current}

	for _, mg := range list {
		if mg.Version <= current {
			continue
		}
		applied, err := m.apply(ctx, mg)
		if err != nil {
			return rep, err
		}
		rep.To = mg.Version
		if !applied {
			continue
		}
		rep.Applied = append(rep.Applied, mg.Version)
		m.log.Info("migration applied", "version", mg.Version, "description", mg.Description)
	}

	rep.SelfHealed, rep.SelfHealWarnings = m.selfHeal(ctx)
	return rep, nil
}

// apply runs one migration. It reports false when another process recorded
// the version between CurrentVersion and this write transaction.
func (m *Manager) apply(ctx context.Context, mg Migration) (bool, error) {
	applied := false
	err := storage.WithTx(ctx, m.db, func(tx storage.Tx) error {
		n, err := storage.QueryInt(ctx, tx, `SELECT COUNT(*) FROM schema_version WHERE version = ?`, mg.Version)
		if err != nil || n > 0 {
			return err
		}
		applied = true
		if _, err := tx.Exec(ctx, mg.Up); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
			mg.Version, m.now().UnixMilli(), mg.Description)
		return err
	})
	if err != nil {
		m.log.Error("migration failed", "version", mg.Version, "error", err)
		return false, &MigrationError{Version: mg.Version, Description: mg.Description, Direction: "up", Err: err}
	}
	return applied, nil
}

// RollbackTo applies Down for every applied version above target, highest
// first. Data in dropped tables is lost; this is a development tool.
func (m *Manager) RollbackTo(ctx context.Context, target int) ([]int, error) {
	list, err := m.sorted()
	if err != nil {
		return nil, err
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	isApplied := make(map[int]bool, len(applied))
	for _, sv := range applied {
		isApplied[sv.Version] = true
	}

	var rolled []int
	for i := len(list) - 1; i >= 0; i-- {
		mg := list[i]
		if mg.Version <= target || !isApplied[mg.Version] {
			continue
		}
		err := storage.WithTx(ctx, m.db, func(tx storage.Tx) error {
			if mg.Down != "" {
				if _, err := tx.Exec(ctx, mg.Down); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `DELETE FROM schema_version WHERE version = ?`, mg.Version)
			return err
		})
		if err != nil {
			return rolled, &MigrationError{Version: mg.Version, Description: mg.Description, Direction: "down", Err: err}
		}
		m.log.Warn("migration rolled back", "version", mg.Version, "description", mg.Description)
		rolled = append(rolled, mg.Version)
	}
	return rolled, nil
}
