package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cireilclaw/cireilclaw/internal/config"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// buildInitCmd creates the "init" command, an interactive new-agent wizard.
func buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new agent interactively",
		Long: `Create a new agent under $HOME/.cireilclaw/agents/{slug}: the directory
skeleton, a starter core.md, and the config files. Channel credentials are
added afterwards by dropping TOML files into config/channels/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.Root()
			if err != nil {
				return err
			}
			return runInit(cmd, root, cmd.InOrStdin())
		},
	}
}

func runInit(cmd *cobra.Command, root string, input io.Reader) error {
	reader := bufio.NewReader(input)
	out := cmd.OutOrStdout()

	slug := promptString(reader, "Agent slug (lowercase, digits, hyphens)", "")
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug %q", slug)
	}
	agentRoot := config.AgentRoot(root, slug)
	if _, err := os.Stat(filepath.Join(agentRoot, "config", "engine.toml")); err == nil {
		return fmt.Errorf("agent %s already exists at %s", slug, agentRoot)
	}

	apiBase := promptString(reader, "API base URL", "https://api.openai.com/v1")
	if apiBase == "" {
		return fmt.Errorf("apiBase is required")
	}
	apiKey := promptString(reader, "API key (blank for none)", "")
	model := promptString(reader, "Model", "")
	if model == "" {
		return fmt.Errorf("model is required")
	}

	if err := scaffoldAgent(root, slug, apiBase, apiKey, model); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nagent %s created at %s\n", slug, agentRoot)
	fmt.Fprintf(out, "add channel credentials under %s, then start with: cireilclaw run\n",
		filepath.Join(agentRoot, "config", "channels"))
	return nil
}

// promptString asks for one line of input, returning defaultValue on a blank
// answer.
func promptString(reader *bufio.Reader, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	text, _ := reader.ReadString('\n')
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultValue
	}
	return text
}

// scaffoldAgent writes the on-disk skeleton for a new agent.
func scaffoldAgent(root, slug, apiBase, apiKey, model string) error {
	agentRoot := config.AgentRoot(root, slug)
	for _, dir := range []string{
		"workspace",
		"memories",
		"blocks",
		"skills",
		"images",
		filepath.Join("config", "channels"),
	} {
		if err := os.MkdirAll(filepath.Join(agentRoot, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	engine := fmt.Sprintf("apiBase = %q\nmodel = %q\n", apiBase, model)
	if apiKey != "" {
		engine = fmt.Sprintf("apiBase = %q\napiKey = %q\nmodel = %q\n", apiBase, apiKey, model)
	}

	files := map[string]string{
		"core.md":                starterCore(slug),
		"workspace/HEARTBEAT.md": starterHeartbeatChecklist,
		"config/engine.toml":     engine,
		"config/tools.toml":      starterTools,
		"config/heartbeat.toml":  starterHeartbeat,
		"config/cron.toml":       starterCron,
	}
	for name, content := range files {
		path := filepath.Join(agentRoot, filepath.FromSlash(name))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func starterCore(slug string) string {
	return fmt.Sprintf(`# %s

You are %s, a persistent assistant with your own workspace and memory.

- Use the respond tool to speak; use no-response when no reply is warranted.
- Keep durable notes in /memories and working files in /workspace.
- Memory blocks under blocks/ are always in your context; keep them current.
`, slug, slug)
}

const starterHeartbeatChecklist = `# Heartbeat checklist

Things to check when a heartbeat fires. If nothing needs attention, reply
HEARTBEAT_OK.

- [ ] Anything pending in /workspace?
`

const starterTools = `# Tool groups. An entry is either a bool or a table with enabled plus
# tool-specific settings.
respond = true
file = true
brave-search = true
read-skill = true
schedule = true
fetch = true

[exec]
enabled = false
allowedBinaries = []
`

const starterHeartbeat = `enabled = false
intervalSec = 1800

# [activeHours]
# start = "08:00"
# end = "22:00"
# tz = "UTC"
`

const starterCron = `# Scheduled jobs. Example:
#
# [[jobs]]
# id = "daily-digest"
# enabled = true
# schedule = { cron = "0 9 * * *" }
# execution = "isolated"
# delivery = "announce"
# prompt = "Summarize yesterday's notes."
`
