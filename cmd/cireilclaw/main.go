// Package main is the cireilclaw CLI: it creates agents, runs the
// orchestrator, and clears persisted sessions.
//
// Basic usage:
//
//	cireilclaw init
//	cireilclaw run --logLevel=debug
//	cireilclaw clear --agent=maya
//
// All state lives under $HOME/.cireilclaw; see the init command for the
// per-agent layout.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached,
// separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cireilclaw",
		Short: "Host long-lived conversational AI agents",
		Long: `cireilclaw hosts long-lived conversational AI agents. Each agent is an
independent principal with its own memory files, session database, sandboxed
workspace, and identity on Discord and Matrix.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		buildInitCmd(),
		buildRunCmd(),
		buildClearCmd(),
	)
	return root
}

// parseLogLevel maps the --logLevel flag to a slog level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "error":
		return slog.LevelError, nil
	case "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want error, warning, info, or debug)", level)
	}
}
