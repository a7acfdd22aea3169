package cireilclaw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool defines an agent capability with one or more tool functions.
// Execute receives the already schema-validated arguments.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage, tc *ToolContext) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution: the object committed as the
// toolResponse output. By convention it carries at least {"success": bool}.
type ToolResult struct {
	Output map[string]any
}

// OK builds a success result from alternating key/value pairs.
func OK(kv ...any) ToolResult {
	out := map[string]any{"success": true}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return ToolResult{Output: out}
}

// Fail builds a failure result the model can react to.
func Fail(err string, kv ...any) ToolResult {
	out := map[string]any{"success": false, "error": err}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return ToolResult{Output: out}
}

// Final reports whether the output's "final" field is anything but an
// explicit false. Terminal tools (respond, no-response) end the turn unless
// they set final=false.
func (r ToolResult) Final() bool {
	v, ok := r.Output["final"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}

// EncodeOutput renders the output object for history commits.
func (r ToolResult) EncodeOutput() json.RawMessage {
	data, err := json.Marshal(r.Output)
	if err != nil {
		data, _ = json.Marshal(map[string]any{
			"success": false,
			"error":   "unencodable tool output: " + err.Error(),
		})
	}
	return data
}

// ToolContext carries the session, agent identity, and capability closures a
// tool may use. Optional capabilities are nil when the channel lacks them.
type ToolContext struct {
	AgentSlug string
	AgentRoot string
	Session   *Session
	Logger    *slog.Logger

	// Send delivers content to the session's channel, respecting the send
	// filter and chunking.
	Send func(ctx context.Context, content string, attachments []Attachment) error
	// React adds an emoji reaction to a channel message.
	React func(ctx context.Context, emoji, messageID string) error
	// Download fetches the attachments of a channel message.
	Download func(ctx context.Context, messageID string) ([]FileInfo, error)
	// Schedule persists and arms a one-shot cron job.
	Schedule func(ctx context.Context, job CronJob) error
}

// ToolRegistry holds registered tools, compiles their parameter schemas, and
// dispatches execution with validation.
type ToolRegistry struct {
	tools   map[string]Tool
	defs    map[string]ToolDefinition
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		defs:    make(map[string]ToolDefinition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Add registers every definition of t, compiling its parameter schema. A
// duplicate name or an uncompilable schema is an error.
func (r *ToolRegistry) Add(t Tool) error {
	for _, def := range t.Definitions() {
		if _, exists := r.tools[def.Name]; exists {
			return fmt.Errorf("duplicate tool name: %s", def.Name)
		}
		compiler := jsonschema.NewCompiler()
		url := "tool://" + def.Name
		if err := compiler.AddResource(url, bytes.NewReader(def.Parameters)); err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
		}
		r.tools[def.Name] = t
		r.defs[def.Name] = def
		r.schemas[def.Name] = schema
	}
	return nil
}

// Has reports whether a tool name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Definitions returns all tool definitions sorted by name, the list shown to
// the model.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// Execute validates args against the tool's schema and dispatches. Unknown
// tools and validation failures come back as failure outputs, never errors;
// the returned error carries only unexpected tool I/O failures.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage, tc *ToolContext) (ToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return Fail("unknown tool: " + name), nil
	}
	if issues := r.validate(name, args); issues != nil {
		return Fail("invalid input", "issues", issues), nil
	}
	return t.Execute(ctx, name, args, tc)
}

// validate returns schema violation strings, or nil when args conform.
func (r *ToolRegistry) validate(name string, args json.RawMessage) []string {
	schema := r.schemas[name]
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return []string{"arguments are not valid JSON: " + err.Error()}
	}
	err := schema.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		var issues []string
		for _, cause := range ve.BasicOutput().Errors {
			if cause.Error == "" {
				continue
			}
			loc := cause.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			issues = append(issues, loc+": "+cause.Error)
		}
		if len(issues) > 0 {
			return issues
		}
	}
	return []string{err.Error()}
}
