package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/projection"
)

func sendCmd() *cobra.Command {
	var (
		msg coord.Outgoing
		to  string
		imp string
	)
	cmd := &cobra.Command{
		Use:   "send <from> <to,...> <subject> [body]",
		Short: "Send a message to one or more agents",
		Args:  cobra.RangeArgs(3, 4),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			msg.From = args[0]
			to = args[1]
			msg.To = splitList(to)
			msg.Subject = args[2]
			msg.Body = optional(args, 3)
			msg.Importance = core.Importance(imp)
			id, err := c.SendMessage(ctx, msg)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, map[string]int64{"id": id})
			}
			success(e.out, "sent message %d to %d recipient(s)", id, len(msg.To))
			return nil
		}),
	}
	cmd.Flags().StringVar(&msg.ThreadID, "thread", "", "thread id")
	cmd.Flags().StringVar(&imp, "importance", "normal", "low, normal, high or urgent")
	cmd.Flags().BoolVar(&msg.AckRequired, "ack", false, "require acknowledgement")
	return cmd
}

func inboxCmd() *cobra.Command {
	var opts projection.InboxOptions
	cmd := &cobra.Command{
		Use:   "inbox <agent>",
		Short: "Show an agent's newest messages",
		Args:  cobra.ExactArgs(1),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			entries, err := c.Inbox(ctx, args[0], opts)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, entries)
			}
			if len(entries) == 0 {
				faint.Fprintln(e.out, "inbox empty")
				return nil
			}
			for _, m := range entries {
				marker := " "
				if m.Unread() {
					marker = "*"
				}
				line := fmt.Sprintf("%s %4d  %-8s %-16s %s", marker, m.ID, m.Importance, m.From, m.Subject)
				if m.Importance == core.ImportanceUrgent || m.Importance == core.ImportanceHigh {
					red.Fprintln(e.out, line)
				} else {
					fmt.Fprintln(e.out, line)
				}
				if m.Body != "" {
					faint.Fprintf(e.out, "        %s\n", m.Body)
				}
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max messages (default 5, max 50)")
	cmd.Flags().BoolVar(&opts.UrgentOnly, "urgent", false, "only urgent messages")
	cmd.Flags().BoolVar(&opts.UnreadOnly, "unread", false, "only unread messages")
	cmd.Flags().BoolVar(&opts.IncludeBodies, "bodies", false, "include message bodies")
	return cmd
}

func messageID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", arg)
	}
	return id, nil
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <agent> <message-id>",
		Short: "Mark a message read and print it",
		Args:  cobra.ExactArgs(2),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			id, err := messageID(args[1])
			if err != nil {
				return err
			}
			if err := c.ReadMessage(ctx, args[0], id); err != nil {
				return notFound(err, "message %d is not addressed to %s", id, args[0])
			}
			m, err := c.Message(ctx, id)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, m)
			}
			cyan.Fprintf(e.out, "From: %s  Subject: %s\n", m.From, m.Subject)
			fmt.Fprintf(e.out, "Sent %s, importance %s, ack required: %s\n\n%s\n", relative(m.CreatedAt), m.Importance, yesNo(m.AckRequired), m.Body)
			return nil
		}),
	}
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <agent> <message-id>",
		Short: "Acknowledge a message",
		Args:  cobra.ExactArgs(2),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			id, err := messageID(args[1])
			if err != nil {
				return err
			}
			if err := c.AckMessage(ctx, args[0], id); err != nil {
				return notFound(err, "message %d is not addressed to %s", id, args[0])
			}
			success(e.out, "acknowledged message %d", id)
			return nil
		}),
	}
}

func threadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thread <thread-id>",
		Short: "Show a thread in chronological order",
		Args:  cobra.ExactArgs(1),
		RunE: withCoordinator(func(ctx context.Context, e *env, c *coord.Coordinator, args []string) error {
			msgs, err := c.Thread(ctx, args[0])
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, msgs)
			}
			for _, m := range msgs {
				cyan.Fprintf(e.out, "%s", m.From)
				fmt.Fprintf(e.out, " (%s): %s\n", relative(m.CreatedAt), m.Subject)
				if m.Body != "" {
					fmt.Fprintf(e.out, "  %s\n", m.Body)
				}
			}
			return nil
		}),
	}
}

func notFound(err error, format string, a ...any) error {
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf(format, a...)
	}
	return err
}
