package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cireilclaw/cireilclaw/internal/app"
)

// buildRunCmd creates the "run" command that starts the orchestrator.
func buildRunCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator",
		Long: `Start the orchestrator: discover every agent under $HOME/.cireilclaw/agents,
open their session stores, connect their channels, and arm their schedulers.

The first SIGINT or SIGTERM drains gracefully (sessions flush, stores close);
a second one aborts the drain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

			a, err := app.New(cmd.Context(), app.WithLogger(logger))
			if err != nil {
				return err
			}
			return a.RunWithSignal()
		},
	}

	cmd.Flags().StringVar(&logLevel, "logLevel", "info",
		"Log verbosity: error, warning, info, or debug")
	return cmd
}
