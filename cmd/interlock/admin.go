package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/lock"
	"github.com/mistakeknot/interlock/internal/migrate"
)

func migrateCmd() *cobra.Command {
	var rollbackTo int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations, or roll back",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			if rollbackTo >= 0 {
				undone, err := migrate.New(c.Adapter(), migrate.WithLogger(e.log)).RollbackTo(ctx, rollbackTo)
				if err != nil {
					return err
				}
				if e.json {
					return writeJSON(e.out, map[string]any{"rolled_back": undone})
				}
				success(e.out, "rolled back %s to version %d", plural(int64(len(undone)), "migration"), rollbackTo)
				return nil
			}
			rep, err := c.Migrate(ctx)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, rep)
			}
			for _, w := range rep.SelfHealWarnings {
				warning(e.out, "%s", w)
			}
			for _, h := range rep.SelfHealed {
				warning(e.out, "repaired %s", h)
			}
			if len(rep.Applied) == 0 {
				success(e.out, "schema up to date at version %d", rep.To)
				return nil
			}
			success(e.out, "migrated from version %d to %d", rep.From, rep.To)
			return nil
		}),
	}
	cmd.Flags().IntVar(&rollbackTo, "rollback-to", -1, "roll back down to this version (development only)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the store answers queries",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			ok := c.HealthCheck(ctx)
			if e.json {
				return writeJSON(e.out, map[string]bool{"healthy": ok})
			}
			if !ok {
				return errors.New("store unhealthy")
			}
			success(e.out, "healthy")
			return nil
		}),
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show counts for the project",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, st)
			}
			cyan.Fprintf(e.out, "%s\n", c.Project())
			fmt.Fprintf(e.out, "  events:              %s\n", humanize.Comma(st.Events))
			fmt.Fprintf(e.out, "  agents:              %s\n", humanize.Comma(st.Agents))
			fmt.Fprintf(e.out, "  messages:            %s\n", humanize.Comma(st.Messages))
			fmt.Fprintf(e.out, "  active reservations: %s\n", humanize.Comma(st.ActiveReservations))
			fmt.Fprintf(e.out, "  latest sequence:     %d\n", st.LatestSequence)
			return nil
		}),
	}
}

func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every event and projection row in the database",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			if !yes {
				return usageError("reset deletes all projects' data in %s; pass --yes to confirm", e.cfg.DBPath)
			}
			if err := c.Reset(ctx); err != nil {
				return err
			}
			success(e.out, "store reset")
			return nil
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the initialization lock",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show who holds the initialization lock",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := loadEnv(cmd)
				if err != nil {
					return err
				}
				info, err := lock.Inspect(e.cfg.DBPath)
				if err != nil {
					return err
				}
				if e.json {
					out := map[string]any{"held": info != nil, "path": lock.Path(e.cfg.DBPath)}
					if info != nil {
						out["holder"] = info
						out["stale"] = info.Stale()
					}
					return writeJSON(e.out, out)
				}
				if info == nil {
					success(e.out, "unlocked")
					return nil
				}
				state := "live"
				if info.Stale() {
					state = "stale"
				}
				fmt.Fprintf(e.out, "held by pid %d on %s since %s, last refreshed %s (%s)\n",
					info.PID, info.Hostname, humanize.Time(info.AcquiredAt), humanize.Time(info.ModTime), state)
				return nil
			},
		},
		&cobra.Command{
			Use:   "force-release",
			Short: "Delete the initialization lock regardless of holder",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := loadEnv(cmd)
				if err != nil {
					return err
				}
				if lock.IsInitializationInProgress(e.cfg.DBPath) {
					warning(e.out, "a live process holds the lock; releasing anyway")
				}
				if err := lock.ForceReleaseLock(e.cfg.DBPath); err != nil {
					return err
				}
				success(e.out, "lock released")
				return nil
			},
		},
	)
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys for TCP clients",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [project]",
		Short: "Generate an API key scoped to a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			project := strings.TrimSpace(optional(args, 0))
			if project == "" {
				project = e.cfg.Project
			}
			key, err := auth.InitKeysFile(e.cfg.Daemon.KeysFile, project)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, map[string]string{"project": project, "key": key, "keys_file": e.cfg.Daemon.KeysFile})
			}
			success(e.out, "key for %s written to %s", project, e.cfg.Daemon.KeysFile)
			fmt.Fprintln(e.out, key)
			return nil
		},
	})
	return cmd
}
