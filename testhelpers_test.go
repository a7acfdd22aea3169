package cireilclaw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// --- Provider stubs (shared across engine_test.go, harness_test.go, scheduler_test.go) ---

type stubResult struct {
	resp ChatResponse
	err  error
}

// stubProvider returns queued results in order and records every request.
// Calls beyond the queue fail, which catches runaway turn loops.
type stubProvider struct {
	mu       sync.Mutex
	results  []stubResult
	requests []ChatRequest
}

var _ Provider = (*stubProvider)(nil)

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.results) {
		return ChatResponse{}, fmt.Errorf("unexpected provider call %d", i+1)
	}
	return p.results[i].resp, p.results[i].err
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *stubProvider) request(i int) ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// stubFactory hands out one provider and records the resolved endpoint.
type stubFactory struct {
	mu       sync.Mutex
	provider Provider
	apiBase  string
	apiKey   string
	model    string
}

func (f *stubFactory) factory(apiBase, apiKey, model string) Provider {
	f.mu.Lock()
	f.apiBase, f.apiKey, f.model = apiBase, apiKey, model
	f.mu.Unlock()
	return f.provider
}

func (f *stubFactory) resolvedModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

// toolCalls builds an assistant completion carrying the given tool calls.
func toolCalls(calls ...Content) ChatResponse {
	return ChatResponse{
		Message:      Message{Role: RoleAssistant, Content: calls},
		FinishReason: FinishToolCalls,
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
	}
}

// respondCall builds an assistant completion with a single terminal respond.
func respondCall(id, content string) ChatResponse {
	args, _ := json.Marshal(map[string]any{"content": content})
	return toolCalls(ToolCallContent(id, ToolRespond, args))
}

// --- Tool stubs ---

// termTool mimics the terminal respond/no-response pair: respond delivers
// content through the sender and ends the turn unless final is false.
type termTool struct{}

func (termTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ToolRespond,
			Description: "Send a message",
			Parameters: json.RawMessage(`{"type": "object", "properties": {
				"content": {"type": "string"},
				"final": {"type": "boolean"}
			}, "required": ["content"]}`),
		},
		{
			Name:        ToolNoResponse,
			Description: "End without sending",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

func (termTool) Execute(ctx context.Context, name string, args json.RawMessage, tc *ToolContext) (ToolResult, error) {
	if name == ToolNoResponse {
		return OK("final", true), nil
	}
	var params struct {
		Content string `json:"content"`
		Final   *bool  `json:"final"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return Fail("invalid args: " + err.Error()), nil
	}
	if err := tc.Send(ctx, params.Content, nil); err != nil {
		return ToolResult{}, err
	}
	final := params.Final == nil || *params.Final
	return OK("final", final, "sent", true), nil
}

// echoTool is a non-terminal tool that returns its input.
type echoTool struct{}

func (echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "echo",
		Description: "Echo the input",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {"text": {"type": "string"}}}`),
	}}
}

func (echoTool) Execute(_ context.Context, _ string, args json.RawMessage, _ *ToolContext) (ToolResult, error) {
	var params struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &params)
	return OK("text", params.Text), nil
}

// failTool always returns an execution error.
type failTool struct{}

func (failTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "broken",
		Description: "Always fails",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}}
}

func (failTool) Execute(_ context.Context, _ string, _ json.RawMessage, _ *ToolContext) (ToolResult, error) {
	return ToolResult{}, fmt.Errorf("tool broken")
}

// --- Sender stub ---

// stubSender records outbound traffic for engine-level tests that bypass the
// harness.
type stubSender struct {
	mu    sync.Mutex
	sends []string
	jobs  []CronJob
}

var _ Sender = (*stubSender)(nil)

func (s *stubSender) Send(_ context.Context, _ *Session, content string, _ []Attachment) error {
	s.mu.Lock()
	s.sends = append(s.sends, content)
	s.mu.Unlock()
	return nil
}

func (s *stubSender) React(context.Context, *Session, string, string) error { return nil }

func (s *stubSender) Download(context.Context, *Session, string) ([]FileInfo, error) {
	return nil, nil
}

func (s *stubSender) ScheduleJob(_ context.Context, _ *Agent, job CronJob) error {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

func (s *stubSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

// --- Store stub ---

// memStore is an in-memory SessionStore that records its traffic.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]SessionSnapshot
	jobs      map[string]CronJobRow
	saves     int
	marks     int
	closed    bool
	saveErr   error
	initCalls int
}

var _ SessionStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]SessionSnapshot),
		jobs:     make(map[string]CronJobRow),
	}
}

func (m *memStore) SaveSession(_ context.Context, snap SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sessions[snap.ID] = snap
	m.saves++
	return nil
}

func (m *memStore) LoadSessions(context.Context) ([]SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(m.sessions))
	for _, snap := range m.sessions {
		out = append(out, snap)
	}
	return out, nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) SaveCronJob(_ context.Context, row CronJobRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[row.JobID] = row
	return nil
}

func (m *memStore) ListCronJobs(context.Context) ([]CronJobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CronJobRow, 0, len(m.jobs))
	for _, row := range m.jobs {
		out = append(out, row)
	}
	return out, nil
}

func (m *memStore) DeleteCronJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memStore) MarkCronRun(_ context.Context, jobID string, lastRun time.Time, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.jobs[jobID]; ok {
		row.LastRun = &lastRun
		row.NextRun = nextRun
		m.jobs[jobID] = row
	}
	m.marks++
	return nil
}

func (m *memStore) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memStore) snapshot(id string) (SessionSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.sessions[id]
	return snap, ok
}

// --- Fixtures ---

// newTestAgent builds an agent rooted in a temp dir with the given tools
// registered.
func newTestAgent(t *testing.T, tools ...Tool) *Agent {
	t.Helper()
	agent := NewAgent("maya", t.TempDir(), &EngineConfig{
		APIBase: "http://llm.test/v1",
		Model:   "stub-model",
	})
	for _, tool := range tools {
		if err := agent.Tools.Add(tool); err != nil {
			t.Fatalf("registering tool: %v", err)
		}
	}
	return agent
}

// decodeOutput unmarshals a toolResponse output for assertions.
func decodeOutput(t *testing.T, msg Message) map[string]any {
	t.Helper()
	if msg.Role != RoleToolResponse {
		t.Fatalf("message role = %q, want %q", msg.Role, RoleToolResponse)
	}
	if len(msg.Content) != 1 {
		t.Fatalf("toolResponse has %d parts, want 1", len(msg.Content))
	}
	var out map[string]any
	if err := json.Unmarshal(msg.Content[0].Output, &out); err != nil {
		t.Fatalf("decoding tool output: %v", err)
	}
	return out
}

// assertPaired verifies that every toolCall id has a matching toolResponse
// later in history, before the next user message.
func assertPaired(t *testing.T, history []Message) {
	t.Helper()
	open := make(map[string]bool)
	for i, msg := range history {
		switch msg.Role {
		case RoleUser:
			for id := range open {
				t.Errorf("toolCall %s unanswered before user message at index %d", id, i)
				delete(open, id)
			}
		case RoleAssistant:
			for _, call := range msg.ToolCalls() {
				open[call.ID] = true
			}
		case RoleToolResponse:
			for _, part := range msg.Content {
				if part.Type != ContentToolResponse {
					continue
				}
				if !open[part.ID] {
					t.Errorf("toolResponse %s has no open toolCall", part.ID)
				}
				delete(open, part.ID)
			}
		}
	}
	for id := range open {
		t.Errorf("toolCall %s never answered", id)
	}
}
