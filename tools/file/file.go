// Package file implements the sandboxed file tools: read, write,
// str-replace, open-file, close-file, and list-dir. Every path argument is
// a virtual sandbox path resolved against the agent root.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/cireilclaw/cireilclaw"
	"github.com/cireilclaw/cireilclaw/internal/imaging"
	"github.com/cireilclaw/cireilclaw/sandbox"
)

// maxTextRead caps plain-text reads; larger files are truncated with a note.
const maxTextRead = 64 * 1024

// Tool provides file access confined to the agent's sandbox areas.
type Tool struct{}

var _ cireilclaw.Tool = (*Tool)(nil)

// New creates the file tool set.
func New() *Tool { return &Tool{} }

func (t *Tool) Definitions() []cireilclaw.ToolDefinition {
	pathProp := `"path": {"type": "string", "description": "Sandbox path, e.g. /workspace/notes.md"}`
	return []cireilclaw.ToolDefinition{
		{
			Name:        "read",
			Description: "Read a file. Images are queued for viewing on the next model call; PDFs return extracted text; other files return text content.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {` + pathProp + `}, "required": ["path"]}`),
		},
		{
			Name:        "write",
			Description: "Write content to a file, creating parent directories. Files under /blocks/ must end in .md.",
			Parameters: json.RawMessage(`{"type": "object", "properties": {` + pathProp + `,
				"content": {"type": "string", "description": "Full file content to write"}
			}, "required": ["path", "content"]}`),
		},
		{
			Name:        "str-replace",
			Description: "Replace one unique occurrence of old_text with new_text in a file. Fails when the text is missing or ambiguous.",
			Parameters: json.RawMessage(`{"type": "object", "properties": {` + pathProp + `,
				"old_text": {"type": "string", "minLength": 1},
				"new_text": {"type": "string"}
			}, "required": ["path", "old_text", "new_text"]}`),
		},
		{
			Name:        "open-file",
			Description: "Pin a file so its live content appears in your context every turn. Use for files you are actively working on.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {` + pathProp + `}, "required": ["path"]}`),
		},
		{
			Name:        "close-file",
			Description: "Unpin a previously opened file.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {` + pathProp + `}, "required": ["path"]}`),
		},
		{
			Name:        "list-dir",
			Description: "List the immediate children of a directory.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {` + pathProp + `}, "required": ["path"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return cireilclaw.Fail("invalid args: " + err.Error()), nil
	}

	real, err := sandbox.Resolver{AgentRoot: tc.AgentRoot}.Resolve(params.Path)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(err.Error(), tc.AgentRoot)), nil
	}

	switch name {
	case "read":
		return t.read(params.Path, real, tc), nil
	case "write":
		return t.write(params.Path, real, params.Content), nil
	case "str-replace":
		return t.strReplace(params.Path, real, params.OldText, params.NewText, tc.AgentRoot), nil
	case "open-file":
		return t.openFile(params.Path, real, tc), nil
	case "close-file":
		files, removed := tc.Session.Unpin(params.Path)
		return cireilclaw.OK("openedFiles", files, "removed", removed), nil
	case "list-dir":
		return t.listDir(params.Path, real, tc.AgentRoot), nil
	}
	return cireilclaw.Fail("unknown tool: " + name), nil
}

func (t *Tool) read(virtual, real string, tc *cireilclaw.ToolContext) cireilclaw.ToolResult {
	if imaging.IsImagePath(real) {
		return t.readImage(virtual, real, tc)
	}
	if strings.EqualFold(filepath.Ext(real), ".pdf") {
		return t.readPDF(virtual, real, tc.AgentRoot)
	}

	data, err := os.ReadFile(real)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(fmt.Sprintf("reading %s: %v", virtual, err), tc.AgentRoot))
	}
	size := len(data)
	content := string(data)
	if size > maxTextRead {
		content = string(data[:maxTextRead]) + fmt.Sprintf("\n... (truncated, %d of %d bytes shown)", maxTextRead, size)
	}
	return cireilclaw.OK("path", virtual, "content", content, "size", size)
}

// readImage re-encodes the image to WebP and queues it on the session; the
// bytes reach the model as a user message on the next provider call.
func (t *Tool) readImage(virtual, real string, tc *cireilclaw.ToolContext) cireilclaw.ToolResult {
	raw, err := os.ReadFile(real)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(fmt.Sprintf("reading %s: %v", virtual, err), tc.AgentRoot))
	}
	normalized, err := imaging.Normalize(raw)
	if err != nil {
		return cireilclaw.Fail(fmt.Sprintf("decoding image %s: %v", virtual, err))
	}
	tc.Session.QueueImage(cireilclaw.ImageContent(imaging.MediaType, normalized))
	return cireilclaw.OK(
		"path", virtual,
		"mediaType", imaging.MediaType,
		"bytes", len(normalized),
		"note", "image queued; it will be visible on your next reply",
	)
}

func (t *Tool) readPDF(virtual, real, agentRoot string) cireilclaw.ToolResult {
	f, reader, err := pdf.Open(real)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(fmt.Sprintf("opening %s: %v", virtual, err), agentRoot))
	}
	defer f.Close()

	plain, err := reader.GetPlainText()
	if err != nil {
		return cireilclaw.Fail(fmt.Sprintf("extracting text from %s: %v", virtual, err))
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return cireilclaw.Fail(fmt.Sprintf("extracting text from %s: %v", virtual, err))
	}
	content := buf.String()
	if len(content) > maxTextRead {
		content = content[:maxTextRead] + "\n... (truncated)"
	}
	return cireilclaw.OK("path", virtual, "content", content, "pages", reader.NumPage())
}

func (t *Tool) write(virtual, real, content string) cireilclaw.ToolResult {
	if under(virtual, "/blocks") && !strings.EqualFold(filepath.Ext(virtual), ".md") {
		return cireilclaw.Fail("files under /blocks/ must have the .md extension")
	}
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return cireilclaw.Fail(fmt.Sprintf("creating directories for %s: %v", virtual, err))
	}
	if err := os.WriteFile(real, []byte(content), 0o644); err != nil {
		return cireilclaw.Fail(fmt.Sprintf("writing %s: %v", virtual, err))
	}
	return cireilclaw.OK("path", virtual, "bytes", len(content))
}

func (t *Tool) strReplace(virtual, real, oldText, newText, agentRoot string) cireilclaw.ToolResult {
	data, err := os.ReadFile(real)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(fmt.Sprintf("reading %s: %v", virtual, err), agentRoot))
	}
	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return cireilclaw.Fail(fmt.Sprintf("old_text not found in %s", virtual))
	case n > 1:
		return cireilclaw.Fail(fmt.Sprintf("old_text occurs %d times in %s; provide enough context to make it unique", n, virtual))
	}

	idx := strings.Index(content, oldText)
	updated := content[:idx] + newText + content[idx+len(oldText):]
	if err := os.WriteFile(real, []byte(updated), 0o644); err != nil {
		return cireilclaw.Fail(fmt.Sprintf("writing %s: %v", virtual, err))
	}
	return cireilclaw.OK("path", virtual, "excerpt", excerpt(updated, idx, len(newText)))
}

func (t *Tool) openFile(virtual, real string, tc *cireilclaw.ToolContext) cireilclaw.ToolResult {
	info, err := os.Stat(real)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(fmt.Sprintf("opening %s: %v", virtual, err), tc.AgentRoot))
	}
	if info.IsDir() {
		return cireilclaw.Fail(fmt.Sprintf("%s is a directory", virtual))
	}
	return cireilclaw.OK("openedFiles", tc.Session.Pin(virtual))
}

func (t *Tool) listDir(virtual, real, agentRoot string) cireilclaw.ToolResult {
	entries, err := os.ReadDir(real)
	if err != nil {
		return cireilclaw.Fail(sandbox.Sanitize(fmt.Sprintf("listing %s: %v", virtual, err), agentRoot))
	}
	children := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		kind := "file"
		switch {
		case entry.Type()&os.ModeSymlink != 0:
			kind = "symlink"
		case entry.IsDir():
			kind = "directory"
		}
		children = append(children, map[string]any{"name": entry.Name(), "type": kind})
	}
	return cireilclaw.OK("path", virtual, "entries", children)
}

// excerpt returns the replaced region with a little surrounding context.
func excerpt(content string, start, length int) string {
	const margin = 80
	lo := start - margin
	if lo < 0 {
		lo = 0
	}
	hi := start + length + margin
	if hi > len(content) {
		hi = len(content)
	}
	return content[lo:hi]
}

func under(virtual, prefix string) bool {
	return virtual == prefix || strings.HasPrefix(virtual, prefix+"/")
}
