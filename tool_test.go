package cireilclaw

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// strictTool exposes a schema with a required property and a typed optional
// one, so validation failures are observable.
type strictTool struct {
	calls int
}

var _ Tool = (*strictTool)(nil)

func (t *strictTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "inspect",
		Description: "Inspect a path",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"depth": {"type": "integer"}
			},
			"required": ["path"]
		}`),
	}}
}

func (t *strictTool) Execute(_ context.Context, _ string, _ json.RawMessage, _ *ToolContext) (ToolResult, error) {
	t.calls++
	return OK(), nil
}

// badSchemaTool carries an unparseable parameter schema.
type badSchemaTool struct{}

var _ Tool = badSchemaTool{}

func (badSchemaTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:       "bad",
		Parameters: json.RawMessage(`{"type":`),
	}}
}

func (badSchemaTool) Execute(context.Context, string, json.RawMessage, *ToolContext) (ToolResult, error) {
	return OK(), nil
}

// --- ToolRegistry tests ---

func TestToolRegistryAdd(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Add(echoTool{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.Has("echo") {
		t.Error("registry does not have echo")
	}
	if r.Has("nope") {
		t.Error("registry claims to have an unregistered tool")
	}
}

func TestToolRegistryAddMultipleDefinitions(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Add(termTool{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, name := range []string{"respond", "no-response"} {
		if !r.Has(name) {
			t.Errorf("registry does not have %s", name)
		}
	}
}

func TestToolRegistryAddDuplicate(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Add(echoTool{}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := r.Add(echoTool{})
	if err == nil {
		t.Fatal("duplicate Add succeeded")
	}
	if got, want := err.Error(), "duplicate tool name: echo"; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestToolRegistryAddBadSchema(t *testing.T) {
	r := NewToolRegistry()
	err := r.Add(badSchemaTool{})
	if err == nil {
		t.Fatal("Add accepted an unparseable schema")
	}
	if !strings.Contains(err.Error(), "invalid schema") {
		t.Errorf("error = %q, want schema complaint", err)
	}
	if r.Has("bad") {
		t.Error("tool with bad schema was registered")
	}
}

func TestToolRegistryDefinitionsSorted(t *testing.T) {
	r := NewToolRegistry()
	for _, tool := range []Tool{termTool{}, echoTool{}, failTool{}} {
		if err := r.Add(tool); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	defs := r.Definitions()
	var names []string
	for _, def := range defs {
		names = append(names, def.Name)
	}
	want := []string{"broken", "echo", "no-response", "respond"}
	if len(names) != len(want) {
		t.Fatalf("got %d definitions %v, want %v", len(names), names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("definitions[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestToolRegistryExecuteUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	res, err := r.Execute(context.Background(), "nope", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output["success"] != false {
		t.Errorf("success = %v, want false", res.Output["success"])
	}
	if got, want := res.Output["error"], "unknown tool: nope"; got != want {
		t.Errorf("error = %v, want %v", got, want)
	}
}

func TestToolRegistryExecuteValidatesInput(t *testing.T) {
	tool := &strictTool{}
	r := NewToolRegistry()
	if err := r.Add(tool); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res, err := r.Execute(context.Background(), "inspect", json.RawMessage(`{"depth": "deep"}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output["success"] != false {
		t.Fatalf("success = %v, want false", res.Output["success"])
	}
	if got, want := res.Output["error"], "invalid input"; got != want {
		t.Errorf("error = %v, want %v", got, want)
	}
	issues, ok := res.Output["issues"].([]string)
	if !ok || len(issues) == 0 {
		t.Fatalf("issues = %v, want non-empty list", res.Output["issues"])
	}
	for _, issue := range issues {
		if !strings.HasPrefix(issue, "/") {
			t.Errorf("issue %q does not start with an instance location", issue)
		}
	}
	if tool.calls != 0 {
		t.Errorf("tool executed %d times despite invalid input", tool.calls)
	}
}

func TestToolRegistryExecuteEmptyArgs(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Add(echoTool{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// No required properties: empty args default to {} and pass.
	res, err := r.Execute(context.Background(), "echo", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output["success"] != true {
		t.Errorf("success = %v, want true", res.Output["success"])
	}

	strict := &strictTool{}
	if err := r.Add(strict); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// A required property makes empty args a validation failure.
	res, err = r.Execute(context.Background(), "inspect", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output["success"] != false {
		t.Errorf("success = %v, want false", res.Output["success"])
	}
	if strict.calls != 0 {
		t.Errorf("tool executed %d times despite missing required input", strict.calls)
	}
}

func TestToolRegistryExecuteMalformedArgs(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Add(&strictTool{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	res, err := r.Execute(context.Background(), "inspect", json.RawMessage(`{not json`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output["success"] != false {
		t.Fatalf("success = %v, want false", res.Output["success"])
	}
	issues, _ := res.Output["issues"].([]string)
	if len(issues) != 1 || !strings.HasPrefix(issues[0], "arguments are not valid JSON") {
		t.Errorf("issues = %v, want a JSON parse complaint", issues)
	}
}

func TestToolRegistryExecutePassesThroughToolErrors(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Add(failTool{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := r.Execute(context.Background(), "broken", json.RawMessage(`{}`), nil)
	if err == nil || err.Error() != "tool broken" {
		t.Errorf("err = %v, want tool broken", err)
	}
}

// --- ToolResult tests ---

func TestToolResultOK(t *testing.T) {
	res := OK("count", 3, "label", "x")
	if res.Output["success"] != true {
		t.Errorf("success = %v, want true", res.Output["success"])
	}
	if res.Output["count"] != 3 {
		t.Errorf("count = %v, want 3", res.Output["count"])
	}
	if res.Output["label"] != "x" {
		t.Errorf("label = %v, want x", res.Output["label"])
	}
}

func TestToolResultOKIgnoresDanglingKey(t *testing.T) {
	res := OK("dangling")
	if _, ok := res.Output["dangling"]; ok {
		t.Error("dangling key without a value was stored")
	}
	if len(res.Output) != 1 {
		t.Errorf("output = %v, want only success", res.Output)
	}
}

func TestToolResultFail(t *testing.T) {
	res := Fail("boom", "hint", "retry later")
	if res.Output["success"] != false {
		t.Errorf("success = %v, want false", res.Output["success"])
	}
	if got, want := res.Output["error"], "boom"; got != want {
		t.Errorf("error = %v, want %v", got, want)
	}
	if got, want := res.Output["hint"], "retry later"; got != want {
		t.Errorf("hint = %v, want %v", got, want)
	}
}

func TestToolResultFinal(t *testing.T) {
	tests := []struct {
		name   string
		output map[string]any
		want   bool
	}{
		{"absent", map[string]any{"success": true}, true},
		{"true", map[string]any{"final": true}, true},
		{"false", map[string]any{"final": false}, false},
		{"non-bool", map[string]any{"final": "later"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ToolResult{Output: tt.output}
			if got := res.Final(); got != tt.want {
				t.Errorf("Final() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolResultEncodeOutput(t *testing.T) {
	res := OK("text", "hello")
	var decoded map[string]any
	if err := json.Unmarshal(res.EncodeOutput(), &decoded); err != nil {
		t.Fatalf("unmarshal encoded output: %v", err)
	}
	if decoded["success"] != true || decoded["text"] != "hello" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestToolResultEncodeOutputUnencodable(t *testing.T) {
	res := ToolResult{Output: map[string]any{"ch": make(chan int)}}
	var decoded map[string]any
	if err := json.Unmarshal(res.EncodeOutput(), &decoded); err != nil {
		t.Fatalf("unmarshal fallback output: %v", err)
	}
	if decoded["success"] != false {
		t.Errorf("success = %v, want false", decoded["success"])
	}
	msg, _ := decoded["error"].(string)
	if !strings.HasPrefix(msg, "unencodable tool output") {
		t.Errorf("error = %q, want unencodable complaint", msg)
	}
}
