// Package skill implements read-skill, which loads a skill document into
// the conversation on demand.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/cireilclaw/cireilclaw"
	"github.com/cireilclaw/cireilclaw/sandbox"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Tool reads skill documents from the agent's skills area.
type Tool struct{}

var _ cireilclaw.Tool = (*Tool)(nil)

// New creates the skill tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Definitions() []cireilclaw.ToolDefinition {
	return []cireilclaw.ToolDefinition{{
		Name:        "read-skill",
		Description: "Load the full instructions of a skill listed in your skills index.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"slug": {"type": "string", "description": "Skill slug from the skills index"}
			},
			"required": ["slug"]
		}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	var params struct {
		Slug string `json:"slug"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return cireilclaw.Fail("invalid args: " + err.Error()), nil
	}
	if !slugPattern.MatchString(params.Slug) {
		return cireilclaw.Fail(fmt.Sprintf("invalid skill slug %q", params.Slug)), nil
	}

	virtual := "/skills/" + params.Slug + ".md"
	real, err := sandbox.Resolver{AgentRoot: tc.AgentRoot}.Resolve(virtual)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(err.Error(), tc.AgentRoot)), nil
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return cireilclaw.Fail(fmt.Sprintf("skill %q not found", params.Slug)), nil
	}
	return cireilclaw.OK("slug", params.Slug, "content", string(data)), nil
}
