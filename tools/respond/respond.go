// Package respond implements the terminal turn tools: respond, no-response,
// and session-info.
package respond

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cireilclaw/cireilclaw"
	"github.com/cireilclaw/cireilclaw/sandbox"
)

// Tool delivers the agent's answer to the channel and ends the turn.
type Tool struct{}

var _ cireilclaw.Tool = (*Tool)(nil)

// New creates the respond tool set.
func New() *Tool { return &Tool{} }

func (t *Tool) Definitions() []cireilclaw.ToolDefinition {
	return []cireilclaw.ToolDefinition{
		{
			Name:        "respond",
			Description: "Send a message to the user on the current channel. Ends the turn unless final is false.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string", "minLength": 1, "description": "Message text to deliver"},
					"final": {"type": "boolean", "description": "End the turn after sending. Defaults to true."},
					"attachments": {"type": "array", "items": {"type": "string"}, "description": "Sandbox paths of files to attach, e.g. /workspace/report.txt"}
				},
				"required": ["content"]
			}`),
		},
		{
			Name:        "no-response",
			Description: "End the turn without sending anything. Use when no reply is warranted.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "session-info",
			Description: "Return the identifiers of the current session and its channel.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	switch name {
	case "respond":
		return t.respond(ctx, args, tc)
	case "no-response":
		return cireilclaw.OK("final", true), nil
	case "session-info":
		return sessionInfo(tc), nil
	}
	return cireilclaw.Fail("unknown tool: " + name), nil
}

func (t *Tool) respond(ctx context.Context, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	var params struct {
		Content     string   `json:"content"`
		Final       *bool    `json:"final"`
		Attachments []string `json:"attachments"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return cireilclaw.Fail("invalid args: " + err.Error()), nil
	}
	if strings.TrimSpace(params.Content) == "" {
		return cireilclaw.Fail("content must not be empty"), nil
	}
	if tc.Send == nil {
		return cireilclaw.Fail("this session cannot send messages"), nil
	}

	attachments, failure := loadAttachments(params.Attachments, tc.AgentRoot)
	if failure != "" {
		return cireilclaw.Fail(failure), nil
	}

	if err := tc.Send(ctx, params.Content, attachments); err != nil {
		return cireilclaw.ToolResult{}, fmt.Errorf("send: %w", err)
	}

	final := params.Final == nil || *params.Final
	return cireilclaw.OK("final", final, "sent", true), nil
}

func loadAttachments(paths []string, agentRoot string) ([]cireilclaw.Attachment, string) {
	if len(paths) == 0 {
		return nil, ""
	}
	resolver := sandbox.Resolver{AgentRoot: agentRoot}
	attachments := make([]cireilclaw.Attachment, 0, len(paths))
	for _, virtual := range paths {
		real, err := resolver.Resolve(virtual)
		if err != nil {
			return nil, sandbox.Sanitize(err.Error(), agentRoot)
		}
		data, err := os.ReadFile(real)
		if err != nil {
			return nil, sandbox.Sanitize(fmt.Sprintf("reading attachment %s: %v", virtual, err), agentRoot)
		}
		attachments = append(attachments, cireilclaw.Attachment{Filename: filepath.Base(real), Data: data})
	}
	return attachments, ""
}

func sessionInfo(tc *cireilclaw.ToolContext) cireilclaw.ToolResult {
	if tc.Session == nil {
		return cireilclaw.Fail("no session attached")
	}
	kv := []any{
		"sessionId", tc.Session.ID,
		"channel", string(tc.Session.Channel),
	}
	meta := tc.Session.Meta
	switch tc.Session.Channel {
	case cireilclaw.ChannelDiscord:
		kv = append(kv, "channelId", meta.ChannelID, "isNsfw", meta.IsNSFW)
		if meta.GuildID != "" {
			kv = append(kv, "guildId", meta.GuildID)
		}
	case cireilclaw.ChannelMatrix:
		kv = append(kv, "roomId", meta.RoomID)
	case cireilclaw.ChannelInternal:
		if meta.JobID != "" {
			kv = append(kv, "jobId", meta.JobID)
		}
	}
	return cireilclaw.OK(kv...)
}
