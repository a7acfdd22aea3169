package cireilclaw

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cireilclaw/cireilclaw/internal/imaging"
)

// --- Externalize tests ---

func TestExternalizeHistory(t *testing.T) {
	dir := t.TempDir()
	img := []byte{0x52, 0x49, 0x46, 0x46, 0x01}
	history := []Message{
		UserText("look"),
		{Role: RoleUser, Content: []Content{ImageContent("image/webp", img)}},
	}

	out, refs, err := ExternalizeHistory(history, dir)
	if err != nil {
		t.Fatalf("ExternalizeHistory: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("externalized %d messages, want 2", len(out))
	}
	if out[1].Content[0].Type != ContentImageRef {
		t.Fatalf("image not replaced with a ref: %+v", out[1].Content[0])
	}
	wantID := imaging.ContentID(img)
	if out[1].Content[0].ID != wantID {
		t.Errorf("ref id = %q, want the content hash %q", out[1].Content[0].ID, wantID)
	}
	if len(refs) != 1 || refs[0].ID != wantID || refs[0].MediaType != "image/webp" {
		t.Errorf("refs = %+v", refs)
	}

	data, err := os.ReadFile(ImageFilePath(dir, wantID, "image/webp"))
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(data) != string(img) {
		t.Error("blob bytes differ from the inline image")
	}
}

func TestExternalizeHistoryDedupesSameBytes(t *testing.T) {
	dir := t.TempDir()
	img := []byte{1, 2, 3, 4}
	history := []Message{
		{Role: RoleUser, Content: []Content{ImageContent("image/webp", img)}},
		{Role: RoleUser, Content: []Content{ImageContent("image/webp", img)}},
	}

	_, refs, err := ExternalizeHistory(history, dir)
	if err != nil {
		t.Fatalf("ExternalizeHistory: %v", err)
	}
	if len(refs) != 1 {
		t.Errorf("refs = %d, want 1 for identical bytes", len(refs))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("blob files = %d, want 1", len(entries))
	}
}

func TestExternalizeHistoryCountsExistingRefs(t *testing.T) {
	dir := t.TempDir()
	history := []Message{
		{Role: RoleUser, Content: []Content{ImageRefContent("abc123", "image/webp")}},
	}
	_, refs, err := ExternalizeHistory(history, dir)
	if err != nil {
		t.Fatalf("ExternalizeHistory: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != "abc123" {
		t.Errorf("refs = %+v, want the pre-externalized ref counted", refs)
	}
}

func TestExternalizeHistoryDropsEphemeralMessages(t *testing.T) {
	no := false
	history := []Message{
		UserText("keep"),
		{Role: RoleSystem, Content: []Content{TextContent("drop me")}, Persist: &no},
		UserText("keep too"),
	}
	out, _, err := ExternalizeHistory(history, t.TempDir())
	if err != nil {
		t.Fatalf("ExternalizeHistory: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("externalized %d messages, want 2", len(out))
	}
	for _, m := range out {
		if m.Text() == "drop me" {
			t.Error("Persist=false message survived externalization")
		}
	}
}

func TestExternalizeHistoryDoesNotMutateInput(t *testing.T) {
	img := []byte{9, 9, 9}
	history := []Message{
		{Role: RoleUser, Content: []Content{ImageContent("image/webp", img)}},
	}
	if _, _, err := ExternalizeHistory(history, t.TempDir()); err != nil {
		t.Fatalf("ExternalizeHistory: %v", err)
	}
	if history[0].Content[0].Type != ContentImage {
		t.Error("externalization rewrote the live history")
	}
}

// --- Rehydrate tests ---

func TestRehydrateHistory(t *testing.T) {
	dir := t.TempDir()
	img := []byte{0x52, 0x49, 0x46, 0x46}
	history := []Message{
		{Role: RoleUser, Content: []Content{ImageContent("image/webp", img)}},
	}
	stored, _, err := ExternalizeHistory(history, dir)
	if err != nil {
		t.Fatalf("ExternalizeHistory: %v", err)
	}

	back := RehydrateHistory(stored, dir, nil)
	c := back[0].Content[0]
	if c.Type != ContentImage {
		t.Fatalf("rehydrated type = %q, want image", c.Type)
	}
	if string(c.Data) != string(img) {
		t.Error("rehydrated bytes differ")
	}
	if c.MediaType != "image/webp" {
		t.Errorf("media type = %q", c.MediaType)
	}
}

func TestRehydrateHistoryMissingBlob(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: []Content{ImageRefContent("gone", "image/webp")}},
	}
	back := RehydrateHistory(history, t.TempDir(), nil)
	c := back[0].Content[0]
	if c.Type != ContentText {
		t.Fatalf("missing blob type = %q, want text placeholder", c.Type)
	}
	if c.Content != "[image gone unavailable]" {
		t.Errorf("placeholder = %q", c.Content)
	}
}

// --- Path tests ---

func TestImageFilePath(t *testing.T) {
	got := ImageFilePath("/data/images", "abc", "image/webp")
	want := filepath.Join("/data/images", "abc.webp")
	if got != want {
		t.Errorf("ImageFilePath = %q, want %q", got, want)
	}
}
