// Package shell implements exec, which runs allowlisted binaries inside the
// agent's namespace jail with /workspace as the working directory.
package shell

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cireilclaw/cireilclaw"
	"github.com/cireilclaw/cireilclaw/sandbox"
)

const defaultTimeout = 30 * time.Second

// Tool executes sandboxed commands. The binary allowlist comes from the
// agent's tools config; an empty list keeps the tool registered but every
// call returns a structured error.
type Tool struct {
	executor *sandbox.Executor
	allowed  []string
	timeout  time.Duration
}

var _ cireilclaw.Tool = (*Tool)(nil)

// ToolOption configures the exec tool.
type ToolOption func(*Tool)

// WithTimeout sets the per-command kill timeout. Default: 30s.
func WithTimeout(d time.Duration) ToolOption {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// New creates the exec tool.
func New(executor *sandbox.Executor, allowed []string, opts ...ToolOption) *Tool {
	t := &Tool{executor: executor, allowed: allowed, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []cireilclaw.ToolDefinition {
	return []cireilclaw.ToolDefinition{{
		Name:        "exec",
		Description: "Run an allowlisted binary in the sandbox. Working directory is /workspace; /memories and /skills are also mounted. Output is captured.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1, "description": "Binary name, e.g. python3"},
				"args": {"type": "array", "items": {"type": "string"}, "description": "Arguments passed verbatim"}
			},
			"required": ["command"]
		}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	var params struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return cireilclaw.Fail("invalid args: " + err.Error()), nil
	}
	if len(t.allowed) == 0 {
		return cireilclaw.Fail("command execution is not configured; no binaries are allowed"), nil
	}

	result, err := t.executor.Run(ctx, sandbox.Request{
		AgentRoot:       tc.AgentRoot,
		Command:         params.Command,
		Args:            params.Args,
		AllowedBinaries: t.allowed,
		Timeout:         t.timeout,
	})
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(err.Error(), tc.AgentRoot)), nil
	}
	return cireilclaw.OK(
		"exitCode", result.ExitCode,
		"stdout", result.Stdout,
		"stderr", result.Stderr,
	), nil
}
