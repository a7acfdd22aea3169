package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cireilclaw/cireilclaw/internal/app"
	"github.com/cireilclaw/cireilclaw/internal/config"
)

// buildClearCmd creates the "clear" command that deletes persisted sessions.
func buildClearCmd() *cobra.Command {
	var agentSlug string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete persisted sessions for one agent or all agents",
		Long: `Delete every persisted session. Image files referenced only by deleted
sessions are removed with them. Memory files, skills, and config are
untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.Root()
			if err != nil {
				return err
			}
			return runClear(cmd, root, agentSlug)
		},
	}

	cmd.Flags().StringVar(&agentSlug, "agent", "", "Only clear this agent's sessions")
	return cmd
}

func runClear(cmd *cobra.Command, root, slug string) error {
	ctx := cmd.Context()

	var agents []config.AgentConfig
	if slug != "" {
		cfg, err := config.LoadAgent(root, slug)
		if err != nil {
			return err
		}
		agents = []config.AgentConfig{cfg}
	} else {
		var errs []error
		agents, errs = config.DiscoverAgents(root)
		for _, err := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping: %v\n", err)
		}
	}

	for _, cfg := range agents {
		n, err := clearAgent(ctx, cfg)
		if err != nil {
			return fmt.Errorf("agent %s: %w", cfg.Slug, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "agent %s: %d session(s) cleared\n", cfg.Slug, n)
	}
	return nil
}

func clearAgent(ctx context.Context, cfg config.AgentConfig) (int, error) {
	store, err := app.OpenStore(ctx, cfg, nil)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return 0, err
	}
	snaps, err := store.LoadSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		if err := store.DeleteSession(ctx, snap.ID); err != nil {
			return 0, fmt.Errorf("deleting session %s: %w", snap.ID, err)
		}
	}
	return len(snaps), nil
}
