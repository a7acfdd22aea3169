package cireilclaw

import (
	"encoding/json"
	"testing"
)

func TestMessageText(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []Content{
			TextContent("thinking "),
			ToolCallContent("call_1", "echo", json.RawMessage(`{}`)),
			TextContent("aloud"),
		},
	}
	if got, want := msg.Text(), "thinking aloud"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}

	noText := Message{Role: RoleAssistant, Content: []Content{
		ToolCallContent("call_2", "echo", json.RawMessage(`{}`)),
	}}
	if got := noText.Text(); got != "" {
		t.Errorf("Text() = %q, want empty", got)
	}
}

func TestMessageToolCalls(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []Content{
			TextContent("running two tools"),
			ToolCallContent("call_1", "echo", json.RawMessage(`{"text":"a"}`)),
			ToolCallContent("call_2", "respond", json.RawMessage(`{"content":"b"}`)),
		},
	}
	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || calls[1].ID != "call_2" {
		t.Errorf("call order = %s, %s, want call_1, call_2", calls[0].ID, calls[1].ID)
	}

	if got := UserText("hi").ToolCalls(); got != nil {
		t.Errorf("ToolCalls() on a text message = %v, want nil", got)
	}
}

func TestMessageConstructors(t *testing.T) {
	user := UserText("hello")
	if user.Role != RoleUser || len(user.Content) != 1 || user.Content[0].Content != "hello" {
		t.Errorf("UserText = %+v", user)
	}

	system := SystemText("be terse")
	if system.Role != RoleSystem || system.Text() != "be terse" {
		t.Errorf("SystemText = %+v", system)
	}

	resp := ToolResponseMessage("call_1", "echo", json.RawMessage(`{"success":true}`))
	if resp.Role != RoleToolResponse {
		t.Fatalf("role = %s, want %s", resp.Role, RoleToolResponse)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("got %d parts, want 1", len(resp.Content))
	}
	part := resp.Content[0]
	if part.Type != ContentToolResponse || part.ID != "call_1" || part.Name != "echo" {
		t.Errorf("part = %+v", part)
	}
	if string(part.Output) != `{"success":true}` {
		t.Errorf("output = %s", part.Output)
	}
}

func TestMessagePersistRoundTrip(t *testing.T) {
	no := false
	msg := Message{Role: RoleUser, Content: []Content{TextContent("ephemeral")}, Persist: &no}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Persist == nil || *back.Persist {
		t.Errorf("Persist = %v, want explicit false", back.Persist)
	}

	// Nil Persist stays absent on the wire.
	data, err = json.Marshal(UserText("hi"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["persist"]; ok {
		t.Error("nil Persist serialized a persist field")
	}
}
