// Package schedule implements the schedule tool: the agent arms a one-shot
// reminder that fires an isolated turn at an absolute instant.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/cireilclaw/cireilclaw"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Tool persists and arms one-shot cron jobs through the live scheduler.
type Tool struct {
	now func() time.Time
}

var _ cireilclaw.Tool = (*Tool)(nil)

// New creates the schedule tool.
func New() *Tool { return &Tool{now: time.Now} }

func (t *Tool) Definitions() []cireilclaw.ToolDefinition {
	return []cireilclaw.ToolDefinition{{
		Name:        "schedule",
		Description: "Schedule a one-time future task for yourself. At the given instant you run the prompt in a fresh session and the result is delivered.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]*$", "description": "Short unique job id, e.g. standup-reminder"},
				"at": {"type": "string", "description": "RFC3339 timestamp in the future, e.g. 2026-03-01T09:00:00Z"},
				"prompt": {"type": "string", "minLength": 1, "description": "Instruction to run when the job fires"},
				"delivery": {"type": "string", "enum": ["announce", "webhook", "none"], "description": "How to deliver the result, default announce"},
				"target": {"type": "string", "description": "Session id to announce into, or \"last\" (default) for the most recently active"}
			},
			"required": ["id", "at", "prompt"]
		}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	var params struct {
		ID       string `json:"id"`
		At       string `json:"at"`
		Prompt   string `json:"prompt"`
		Delivery string `json:"delivery"`
		Target   string `json:"target"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return cireilclaw.Fail("invalid args: " + err.Error()), nil
	}
	if !idPattern.MatchString(params.ID) {
		return cireilclaw.Fail(fmt.Sprintf("invalid job id %q: must match %s", params.ID, idPattern.String())), nil
	}
	at, err := time.Parse(time.RFC3339, params.At)
	if err != nil {
		return cireilclaw.Fail(fmt.Sprintf("invalid timestamp %q: must be RFC3339", params.At)), nil
	}
	if !at.After(t.now()) {
		return cireilclaw.Fail(fmt.Sprintf("timestamp %s is in the past", params.At)), nil
	}
	if tc.Schedule == nil {
		return cireilclaw.Fail("scheduling is not available in this session"), nil
	}

	job := cireilclaw.CronJob{
		ID:        params.ID,
		Enabled:   true,
		Schedule:  cireilclaw.CronSchedule{At: params.At},
		Execution: cireilclaw.ExecutionIsolated,
		Delivery:  params.Delivery,
		Target:    params.Target,
		Prompt:    params.Prompt,
	}
	job.Normalize()

	if err := tc.Schedule(ctx, job); err != nil {
		return cireilclaw.Fail("scheduling failed: " + err.Error()), nil
	}
	return cireilclaw.OK("id", params.ID, "at", at.UTC().Format(time.RFC3339), "delivery", job.Delivery), nil
}
