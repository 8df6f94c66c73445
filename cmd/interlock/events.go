package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/eventstore"
	"github.com/mistakeknot/interlock/internal/storage/remote"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read, stream, replay and append to the event log",
	}
	cmd.AddCommand(eventsListCmd(), eventsTailCmd(), eventsReplayCmd(), eventsAppendCmd())
	return cmd
}

func parseTypes(raw []string) ([]core.EventType, error) {
	var out []core.EventType
	for _, r := range raw {
		for _, name := range splitList(r) {
			t := core.EventType(name)
			if !t.Valid() {
				return nil, usageError("unknown event type %q", name)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func printEvent(e *env, ev core.Event) error {
	if e.json {
		return writeJSON(e.out, ev)
	}
	data, err := core.EncodePayload(ev.Payload)
	if err != nil {
		return err
	}
	faint.Fprintf(e.out, "%6d ", ev.Sequence)
	cyan.Fprintf(e.out, "%-16s", ev.Type)
	fmt.Fprintf(e.out, " %s  %s\n", ev.Time().Format(time.RFC3339), data)
	return nil
}

func eventsListCmd() *cobra.Command {
	var (
		types []string
		f     eventstore.Filter
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events in sequence order",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			var err error
			if f.Types, err = parseTypes(types); err != nil {
				return err
			}
			if since > 0 {
				f.Since = time.Now().Add(-since).UnixMilli()
			}
			events, err := c.Events(ctx, f)
			if err != nil {
				return err
			}
			if e.json {
				if events == nil {
					events = []core.Event{}
				}
				return writeJSON(e.out, events)
			}
			for _, ev := range events {
				if err := printEvent(e, ev); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "event types to include (repeatable or comma separated)")
	cmd.Flags().Int64Var(&f.AfterSequence, "after", 0, "only events with a higher sequence")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max events")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var (
		types []string
		after int64
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream committed events from the running daemon",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			r, ok := c.Adapter().(*remote.Adapter)
			if !ok {
				return fmt.Errorf("events tail needs a running daemon; start one with `interlock daemon start`")
			}
			tt, err := parseTypes(types)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = r.Tail(ctx, remote.TailOptions{Project: c.Project(), After: after, Types: tt, Reconnect: true},
				func(ev core.Event) error { return printEvent(e, ev) })
			if ctx.Err() != nil {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "event types to include")
	cmd.Flags().Int64Var(&after, "after", 0, "replay events after this sequence first")
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	var clearViews bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild projections from the event log",
		Args:  cobra.NoArgs,
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			res, err := c.Replay(ctx, clearViews)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, map[string]any{"events_replayed": res.EventsReplayed, "duration_ms": res.Duration.Milliseconds()})
			}
			success(e.out, "replayed %s in %s", plural(int64(res.EventsReplayed), "event"), res.Duration.Round(time.Millisecond))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&clearViews, "clear", false, "delete this project's projection rows first")
	return cmd
}

func eventsAppendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append <type> <json-payload>",
		Short: "Validate and append a raw event",
		Args:  cobra.ExactArgs(2),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			p, err := core.DecodePayload(core.EventType(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			res, err := c.Append(ctx, p)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, map[string]int64{"id": res.ID, "sequence": res.Sequence})
			}
			success(e.out, "appended %s at sequence %d", args[0], res.Sequence)
			return nil
		}),
	}
}
