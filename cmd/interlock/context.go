package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/daemon"
	"github.com/mistakeknot/interlock/internal/telemetry"
)

// env is what every command resolves from its flags before doing work.
type env struct {
	cfg  config.Config
	log  *slog.Logger
	out  io.Writer
	json bool
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	dir, _ := cmd.Flags().GetString("dir")
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if project, _ := cmd.Flags().GetString("project"); project != "" {
		cfg.Project = project
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		if abs, err := filepath.Abs(db); err == nil {
			db = abs
		}
		cfg.DBPath = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	return &env{
		cfg:  cfg,
		log:  telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()),
		out:  cmd.OutOrStdout(),
		json: jsonOut,
	}, nil
}

// open connects through the daemon when one runs, else opens the database
// directly, and binds the project. The returned func closes the adapter.
func (e *env) open(ctx context.Context) (*coord.Coordinator, func(), error) {
	db, err := daemon.Connect(ctx, e.cfg, e.log)
	if err != nil {
		return nil, nil, err
	}
	c, err := coord.New(db, e.cfg.Project,
		coord.WithLogger(e.log),
		coord.WithHealthTimeout(e.cfg.Daemon.HealthTimeout()),
	)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return c, func() { db.Close() }, nil
}

// withCoordinator is the RunE body shared by every facade command.
func withCoordinator(fn func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		c, closeFn, err := e.open(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(ctx, e, c, args)
	}
}
