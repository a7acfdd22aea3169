package cireilclaw

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cireilclaw/cireilclaw/sandbox"
)

// BuildSystemPrompt assembles the per-turn system prompt: base instructions
// from core.md, a metadata header, every memory block, the skills index, and
// the contents of files pinned with open-file. The prompt is supplied to the
// provider separately from the message list.
func BuildSystemPrompt(agent *Agent, session *Session, now time.Time) string {
	logger := agent.Logger()

	var b strings.Builder
	b.WriteString("<base_instructions>\n")
	b.WriteString(readBaseInstructions(agent, logger))
	b.WriteString("\n</base_instructions>\n\n")

	writeMetadata(&b, session, now)

	blocks := LoadMemoryBlocks(agent.BlocksDir(), logger)
	b.WriteString("\n<memory_blocks>\n")
	for _, block := range blocks {
		fmt.Fprintf(&b, "<block label=%q chars=\"%d\">\n", block.Label, block.ContentChars())
		if block.Description != "" {
			fmt.Fprintf(&b, "<description>%s</description>\n", block.Description)
		}
		b.WriteString(block.Content)
		b.WriteString("\n</block>\n")
	}
	b.WriteString("</memory_blocks>\n")

	if skills := LoadSkills(agent.SkillsDir(), logger); len(skills) > 0 {
		b.WriteString("\n<skills>\nLoad a skill with read-skill when it applies.\n")
		for _, skill := range skills {
			fmt.Fprintf(&b, "- %s: %s (use when: %s)\n", skill.Slug, skill.Summary, skill.WhenToUse)
		}
		b.WriteString("</skills>\n")
	}

	writeOpenedFiles(&b, agent, session, logger)
	return b.String()
}

func readBaseInstructions(agent *Agent, logger *slog.Logger) string {
	raw, err := os.ReadFile(agent.CoreFile())
	if err != nil {
		logger.Warn("reading core instructions", "path", agent.CoreFile(), "error", err)
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func writeMetadata(b *strings.Builder, session *Session, now time.Time) {
	b.WriteString("<metadata>\n")
	fmt.Fprintf(b, "current_time: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(b, "channel: %s\n", session.Channel)
	switch session.Channel {
	case ChannelDiscord:
		fmt.Fprintf(b, "channel_id: %s\n", session.Meta.ChannelID)
		if session.Meta.GuildID != "" {
			fmt.Fprintf(b, "guild_id: %s\n", session.Meta.GuildID)
		}
		fmt.Fprintf(b, "nsfw: %t\n", session.Meta.IsNSFW)
	case ChannelMatrix:
		fmt.Fprintf(b, "room_id: %s\n", session.Meta.RoomID)
	case ChannelInternal:
		fmt.Fprintf(b, "job_id: %s\n", session.Meta.JobID)
	}
	b.WriteString("</metadata>\n")
}

func writeOpenedFiles(b *strings.Builder, agent *Agent, session *Session, logger *slog.Logger) {
	if len(session.OpenedFiles) == 0 {
		return
	}
	resolver := sandbox.Resolver{AgentRoot: agent.Root}
	b.WriteString("\n<opened_files>\n")
	for _, virtual := range session.OpenedFiles {
		real, err := resolver.Resolve(virtual)
		if err == nil {
			var raw []byte
			raw, err = os.ReadFile(real)
			if err == nil {
				fmt.Fprintf(b, "<file path=%q bytes=\"%d\">\n", virtual, len(raw))
				b.Write(raw)
				b.WriteString("\n</file>\n")
				continue
			}
		}
		logger.Warn("reading opened file", "path", virtual, "error", err)
		fmt.Fprintf(b, "<file path=%q error=\"unreadable\"/>\n", virtual)
	}
	b.WriteString("</opened_files>\n")
}
