package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overwritten at build time using -ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		red.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "interlock",
		Short:         "Coordinate agents sharing one project database",
		Long:          "interlock records agent registrations, messages and file reservations in an event log\nshared by every process working on a project.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate("interlock version {{.Version}}\n")

	cmd.PersistentFlags().String("dir", ".", "project directory")
	cmd.PersistentFlags().String("project", "", "project key (default: config or directory name)")
	cmd.PersistentFlags().String("db", "", "database path")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		daemonCmd(),
		migrateCmd(),
		agentCmd(),
		taskCmd(),
		sendCmd(),
		inboxCmd(),
		readCmd(),
		ackCmd(),
		threadCmd(),
		reserveCmd(),
		releaseCmd(),
		reservationsCmd(),
		conflictsCmd(),
		eventsCmd(),
		healthCmd(),
		statsCmd(),
		resetCmd(),
		lockCmd(),
		keysCmd(),
	)
	return cmd
}

func usageError(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}
