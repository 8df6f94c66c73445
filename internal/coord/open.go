package coord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mistakeknot/interlock/internal/lock"
	"github.com/mistakeknot/interlock/internal/migrate"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

// LocalOptions configures OpenLocal.
type LocalOptions struct {
	Logger *slog.Logger
	Lock   []lock.Option
	SQLite []sqlite.Option
}

// OpenLocal opens the database at dbPath the way a cold start must: the
// adapter is constructed while holding the init lock, the lock is released,
// then migrations run once on the new adapter.
func OpenLocal(ctx context.Context, dbPath string, opts LocalOptions) (*sqlite.Adapter, migrate.Report, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	release, err := lock.AcquireInitLock(ctx, dbPath, append([]lock.Option{lock.WithLogger(log)}, opts.Lock...)...)
	if err != nil {
		return nil, migrate.Report{}, err
	}
	db, err := sqlite.Open(dbPath, append([]sqlite.Option{sqlite.WithLogger(log)}, opts.SQLite...)...)
	release()
	if err != nil {
		return nil, migrate.Report{}, fmt.Errorf("open %s: %w", dbPath, err)
	}

	rep, err := migrate.New(db, migrate.WithLogger(log)).Run(ctx)
	if err != nil {
		db.Close()
		return nil, rep, err
	}
	if len(rep.Applied) > 0 {
		log.Info("database migrated", "path", dbPath, "from", rep.From, "to", rep.To)
	}
	return db, rep, nil
}
