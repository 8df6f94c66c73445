package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
)

func reserveCmd() *cobra.Command {
	var (
		opts   coord.ReserveOptions
		shared bool
	)
	cmd := &cobra.Command{
		Use:   "reserve <agent> <pattern>...",
		Short: "Reserve file path patterns for an agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			if shared {
				opts = coord.Shared(opts)
			}
			lease, conflicts, err := c.Reserve(ctx, args[0], args[1:], opts)
			var cerr *coord.ConflictError
			if errors.As(err, &cerr) {
				if e.json {
					_ = writeJSON(e.out, map[string]any{"reserved": false, "conflicts": conflicts})
				} else {
					printConflicts(e, conflicts)
				}
				return fmt.Errorf("not reserved: %s", plural(int64(len(conflicts)), "conflict"))
			}
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, map[string]any{
					"reserved":   true,
					"ids":        lease.IDs,
					"expires_at": lease.ExpiresAt,
					"conflicts":  conflicts,
				})
			}
			success(e.out, "reserved %s for %s, expires %s", plural(int64(len(lease.IDs)), "pattern"), lease.Agent, relative(lease.ExpiresAt))
			if len(conflicts) > 0 {
				warning(e.out, "overlaps %s held by other agents", plural(int64(len(conflicts)), "reservation"))
				printConflicts(e, conflicts)
			}
			return nil
		}),
	}
	cmd.Flags().DurationVar(&opts.TTL, "ttl", coord.DefaultReservationTTL, "how long the reservation lasts")
	cmd.Flags().BoolVar(&shared, "shared", false, "non-exclusive reservation")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the files are reserved")
	cmd.Flags().BoolVar(&opts.FailOnConflict, "strict", false, "refuse when another agent holds an overlapping exclusive reservation")
	return cmd
}

func releaseCmd() *cobra.Command {
	var (
		ids []int64
		all bool
	)
	cmd := &cobra.Command{
		Use:   "release <agent> [pattern]...",
		Short: "Release an agent's reservations by pattern, id or all",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			sel := coord.ReleaseSelector{Paths: args[1:], IDs: ids}
			if len(sel.Paths) == 0 && len(sel.IDs) == 0 && !all {
				return usageError("name patterns or --id to release, or pass --all")
			}
			n, err := c.Release(ctx, args[0], sel)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, map[string]int64{"released": n})
			}
			if n == 0 {
				warning(e.out, "nothing to release")
				return nil
			}
			success(e.out, "released %s", plural(n, "reservation"))
			return nil
		}),
	}
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "reservation id (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "release every active reservation of the agent")
	return cmd
}

func reservationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reservations [agent]",
		Short: "List active reservations",
		Args:  cobra.MaximumNArgs(1),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			list, err := c.ActiveReservations(ctx, optional(args, 0))
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, list)
			}
			if len(list) == 0 {
				faint.Fprintln(e.out, "no active reservations")
				return nil
			}
			for _, r := range list {
				mode := "exclusive"
				if !r.Exclusive {
					mode = "shared"
				}
				fmt.Fprintf(e.out, "%5d  ", r.ID)
				cyan.Fprintf(e.out, "%-16s", r.AgentName)
				fmt.Fprintf(e.out, " %-32s %-9s expires %s", r.PathPattern, mode, relative(r.ExpiresAt))
				if r.Reason != "" {
					faint.Fprintf(e.out, "  %s", r.Reason)
				}
				fmt.Fprintln(e.out)
			}
			return nil
		}),
	}
}

func conflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <agent> <path>...",
		Short: "Check paths against other agents' exclusive reservations",
		Args:  cobra.MinimumNArgs(2),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			conflicts, err := c.CheckConflicts(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			if e.json {
				if conflicts == nil {
					conflicts = []core.Conflict{}
				}
				return writeJSON(e.out, conflicts)
			}
			if len(conflicts) == 0 {
				success(e.out, "no conflicts")
				return nil
			}
			printConflicts(e, conflicts)
			return nil
		}),
	}
}

func printConflicts(e *env, conflicts []core.Conflict) {
	for _, cf := range conflicts {
		red.Fprintf(e.out, "  %s", cf.Path)
		fmt.Fprintf(e.out, " held by %s via %s (#%s, expires %s)\n",
			cf.Holder, cf.Pattern, strconv.FormatInt(cf.ReservationID, 10), relative(cf.ExpiresAt))
	}
}

