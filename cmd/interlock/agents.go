package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/coord"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register and list agents",
	}
	cmd.AddCommand(agentRegisterCmd(), agentListCmd(), agentTouchCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var spec coord.AgentSpec
	cmd := &cobra.Command{
		Use:   "register [name]",
		Short: "Register an agent; without a name one is generated",
		Args:  cobra.MaximumNArgs(1),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			if len(args) == 1 {
				spec.Name = args[0]
			}
			agent, err := c.RegisterAgent(ctx, spec)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, agent)
			}
			success(e.out, "registered %s in %s", agent.Name, agent.ProjectKey)
			return nil
		}),
	}
	cmd.Flags().StringVar(&spec.Program, "program", "", "program the agent runs in")
	cmd.Flags().StringVar(&spec.Model, "model", "", "model name")
	cmd.Flags().StringVar(&spec.TaskDescription, "task", "", "what the agent is working on")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents in registration order",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			agents, err := c.Agents(ctx)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, agents)
			}
			if len(agents) == 0 {
				faint.Fprintln(e.out, "no agents registered")
				return nil
			}
			for _, a := range agents {
				cyan.Fprintf(e.out, "%-20s", a.Name)
				fmt.Fprintf(e.out, " active %-16s %s\n", relative(a.LastActiveAt), a.TaskDescription)
			}
			return nil
		}),
	}
}

func agentTouchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <name>",
		Short: "Record that an agent is still active",
		Args:  cobra.ExactArgs(1),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			return c.Touch(ctx, args[0])
		}),
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Record task lifecycle events for an agent",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start <agent> <task-id> [description]",
			Short: "Record task_started",
			Args:  cobra.RangeArgs(2, 3),
			RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
				return c.RecordTaskStarted(ctx, args[0], args[1], optional(args, 2))
			}),
		},
		&cobra.Command{
			Use:   "progress <agent> <task-id> <percent> [note]",
			Short: "Record task_progress",
			Args:  cobra.RangeArgs(3, 4),
			RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
				pct, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("percent must be a number: %w", err)
				}
				return c.RecordTaskProgress(ctx, args[0], args[1], pct, optional(args, 3))
			}),
		},
		&cobra.Command{
			Use:   "done <agent> <task-id> [summary]",
			Short: "Record task_completed",
			Args:  cobra.RangeArgs(2, 3),
			RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
				return c.RecordTaskCompleted(ctx, args[0], args[1], optional(args, 2))
			}),
		},
		&cobra.Command{
			Use:   "blocked <agent> <task-id> <reason>",
			Short: "Record task_blocked",
			Args:  cobra.ExactArgs(3),
			RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
				return c.RecordTaskBlocked(ctx, args[0], args[1], args[2])
			}),
		},
	)
	return cmd
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
