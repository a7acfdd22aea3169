package cireilclaw

import (
	"fmt"
	"testing"
)

// history of n complete turns, each a user message followed by an assistant
// reply.
func turnsHistory(n int) []Message {
	var h []Message
	for i := range n {
		h = append(h,
			UserText(fmt.Sprintf("user %d", i)),
			Message{Role: RoleAssistant, Content: []Content{TextContent(fmt.Sprintf("reply %d", i))}},
		)
	}
	return h
}

// --- Truncation tests ---

func TestTruncateToTurns(t *testing.T) {
	history := turnsHistory(5)

	got := truncateToTurns(history, 2)
	if len(got) != 4 {
		t.Fatalf("truncated length = %d, want 4", len(got))
	}
	// The cut lands on a user boundary: the tail starts a complete turn.
	if got[0].Role != RoleUser || got[0].Text() != "user 3" {
		t.Errorf("tail starts at %v, want user 3", got[0])
	}

	turns := 0
	for _, m := range got {
		if m.Role == RoleUser {
			turns++
		}
	}
	if turns != 2 {
		t.Errorf("tail has %d turns, want 2", turns)
	}
}

func TestTruncateToTurnsUnderLimit(t *testing.T) {
	history := turnsHistory(3)
	got := truncateToTurns(history, 10)
	if len(got) != len(history) {
		t.Errorf("short history was truncated: %d -> %d", len(history), len(got))
	}
}

func TestTruncateToTurnsNeverSplitsTurn(t *testing.T) {
	// A turn with tool traffic between the user message and the final reply.
	history := []Message{
		UserText("old"),
		{Role: RoleAssistant, Content: []Content{ToolCallContent("c1", "echo", nil)}},
		ToolResponseMessage("c1", "echo", []byte(`{}`)),
		UserText("new"),
		{Role: RoleAssistant, Content: []Content{ToolCallContent("c2", "echo", nil)}},
		ToolResponseMessage("c2", "echo", []byte(`{}`)),
	}
	got := truncateToTurns(history, 1)
	if len(got) != 3 {
		t.Fatalf("tail length = %d, want 3", len(got))
	}
	if got[0].Text() != "new" {
		t.Errorf("tail starts at %q, want the last user message", got[0].Text())
	}
	// The tool response stays with its call.
	if got[2].Role != RoleToolResponse {
		t.Errorf("tail lost the tool response: %+v", got)
	}
}

func TestTruncateToTurnsZeroMax(t *testing.T) {
	history := turnsHistory(2)
	if got := truncateToTurns(history, 0); len(got) != len(history) {
		t.Errorf("maxTurns 0 truncated to %d messages", len(got))
	}
}

// --- Squash tests ---

func TestSquashMessages(t *testing.T) {
	msgs := []Message{
		UserText("one"),
		UserText("two"),
		{Role: RoleAssistant, Content: []Content{TextContent("a")}},
		{Role: RoleAssistant, Content: []Content{TextContent("b")}},
		UserText("three"),
	}
	got := squashMessages(msgs)
	if len(got) != 3 {
		t.Fatalf("squashed length = %d, want 3", len(got))
	}
	if got[0].Role != RoleUser || len(got[0].Content) != 2 {
		t.Errorf("got[0] = %+v, want merged user pair", got[0])
	}
	if got[0].Content[0].Content != "one" || got[0].Content[1].Content != "two" {
		t.Errorf("merged user content order = %+v", got[0].Content)
	}
	if got[1].Role != RoleAssistant || len(got[1].Content) != 2 {
		t.Errorf("got[1] = %+v, want merged assistant pair", got[1])
	}
	if got[2].Text() != "three" {
		t.Errorf("got[2] = %+v", got[2])
	}

	// No two adjacent messages share a squashable role.
	for i := 1; i < len(got); i++ {
		if got[i].Role == got[i-1].Role && (got[i].Role == RoleUser || got[i].Role == RoleAssistant) {
			t.Errorf("adjacent %s messages survived at %d", got[i].Role, i)
		}
	}
}

func TestSquashMessagesSkipsOtherRoles(t *testing.T) {
	msgs := []Message{
		ToolResponseMessage("c1", "echo", []byte(`{}`)),
		ToolResponseMessage("c2", "echo", []byte(`{}`)),
		SystemText("note"),
		SystemText("note 2"),
	}
	got := squashMessages(msgs)
	if len(got) != 4 {
		t.Errorf("squashed length = %d, want 4 (only user/assistant merge)", len(got))
	}
}

func TestSquashMessagesDoesNotAliasInput(t *testing.T) {
	orig := UserText("original")
	msgs := []Message{orig, UserText("second")}
	got := squashMessages(msgs)

	// Growing the squashed content must never write into the input message.
	got[0].Content[0] = TextContent("mutated")
	if orig.Content[0].Content != "original" {
		t.Error("squash aliased the input content slice")
	}
	if msgs[0].Content[0].Content != "original" {
		t.Error("squash mutated the source slice")
	}
}

// --- Provider message assembly tests ---

func TestBuildTurnMessages(t *testing.T) {
	history := turnsHistory(MaxTurns + 5)
	pending := []Message{
		ToolResponseMessage("c1", "echo", []byte(`{}`)),
		{Role: RoleUser, Content: []Content{ImageContent("image/webp", []byte{1})}},
	}
	got := buildTurnMessages(history, pending)

	turns := 0
	for _, m := range got {
		if m.Role == RoleUser {
			turns++
		}
	}
	// The pending image rides a user message but the truncation window is
	// computed on history alone.
	if turns != MaxTurns+1 {
		t.Errorf("assembled turns = %d, want %d", turns, MaxTurns+1)
	}
	last := got[len(got)-1]
	if last.Role != RoleUser || last.Content[0].Type != ContentImage {
		t.Errorf("tail = %+v, want the pending image message", last)
	}
	if got[len(got)-2].Role != RoleToolResponse {
		t.Errorf("pending tool response missing before the image")
	}
}

func TestBuildTurnMessagesNoPending(t *testing.T) {
	history := turnsHistory(2)
	got := buildTurnMessages(history, nil)
	if len(got) != 4 {
		t.Errorf("assembled length = %d, want 4", len(got))
	}
}
