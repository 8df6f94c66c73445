package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/daemon"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or control the process that owns the database",
	}
	cmd.AddCommand(daemonRunCmd(), daemonStartCmd(), daemonStopCmd(), daemonStatusCmd())
	return cmd
}

func daemonRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the project database in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, e.cfg, e.log)
		},
	}
}

func daemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			childArgs := []string{"daemon", "run", "--dir", e.cfg.ProjectDir, "--project", e.cfg.Project, "--db", e.cfg.DBPath}
			info, err := daemon.Start(cmd.Context(), e.cfg, exe, childArgs)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, info)
			}
			success(e.out, "daemon started (pid %d) on %s", info.PID, info.Socket)
			return nil
		},
	}
}

func daemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			info, err := daemon.Stop(cmd.Context(), e.cfg)
			if errors.Is(err, daemon.ErrNotRunning) {
				warning(e.out, "daemon not running")
				return nil
			}
			if err != nil {
				return err
			}
			success(e.out, "daemon stopped (pid %d)", info.PID)
			return nil
		},
	}
}

func daemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon runs and how healthy it is",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			st := daemon.Status(cmd.Context(), e.cfg)
			if e.json {
				out := map[string]any{"running": st.Running}
				if st.Running {
					out["pid"] = st.Info.PID
					out["started_at"] = st.Info.StartedAt
					out["socket"] = st.Info.Socket
					out["health"] = st.Health
					if st.HealthErr != nil {
						out["health_error"] = st.HealthErr.Error()
					}
				}
				return writeJSON(e.out, out)
			}
			if !st.Running {
				warning(e.out, "daemon not running; clients open %s directly", e.cfg.DBPath)
				return nil
			}
			fmt.Fprintf(e.out, "pid:      %d\n", st.Info.PID)
			fmt.Fprintf(e.out, "started:  %s\n", humanize.Time(st.Info.StartedAt))
			fmt.Fprintf(e.out, "socket:   %s\n", st.Info.Socket)
			if st.Info.Addr != "" {
				fmt.Fprintf(e.out, "tcp:      %s\n", st.Info.Addr)
			}
			fmt.Fprintf(e.out, "database: %s\n", st.Info.DBPath)
			if st.HealthErr != nil || !st.Health.Healthy {
				red.Fprintf(e.out, "health:   unhealthy %v\n", st.HealthErr)
				return nil
			}
			green.Fprintf(e.out, "health:   ok (%.1fms, %d open tx)\n", st.Health.ResponseMS, st.Health.OpenTx)
			return nil
		},
	}
}
