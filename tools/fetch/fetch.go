// Package fetch implements the fetch tool: download a URL and hand the
// model its readable text.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-shiori/go-readability"

	"github.com/cireilclaw/cireilclaw"
)

const (
	maxBody    = 1 << 20 // read cap on the response body
	maxContent = 8000    // chars handed to the model
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

var _ cireilclaw.Tool = (*Tool)(nil)

// New creates the fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Tool) Definitions() []cireilclaw.ToolDefinition {
	return []cireilclaw.ToolDefinition{{
		Name:        "fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "URL to fetch"}
			},
			"required": ["url"]
		}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return cireilclaw.Fail("invalid args: " + err.Error()), nil
	}

	title, content, err := t.fetch(ctx, params.URL)
	if err != nil {
		return cireilclaw.Fail(err.Error()), nil
	}
	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (truncated)"
	}

	kv := []any{"url", params.URL, "content", content}
	if title != "" {
		kv = append(kv, "title", title)
	}
	return cireilclaw.OK(kv...), nil
}

func (t *Tool) fetch(ctx context.Context, rawURL string) (title, content string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; cireilclaw/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", "", fmt.Errorf("read error: %w", err)
	}
	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.Title, strings.TrimSpace(article.TextContent), nil
	}

	// Readability gave up (non-article markup); fall back to a plain strip.
	return "", stripHTML(html), nil
}

// stripHTML removes tags, skips script/style bodies, and collapses
// whitespace. Good enough for the fallback path.
func stripHTML(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inTag, skipBody := false, false
	var tag strings.Builder
	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
			tag.Reset()
		case inTag:
			if r == '>' {
				inTag = false
				name := tagName(tag.String())
				switch name {
				case "script", "style":
					skipBody = true
				case "/script", "/style":
					skipBody = false
				}
				if isBlockTag(name) {
					out.WriteByte('\n')
				}
			} else {
				tag.WriteRune(r)
			}
		case skipBody:
		default:
			out.WriteRune(r)
		}
	}
	return collapseWhitespace(out.String())
}

// tagName extracts the element name from raw tag innards like
// `a href="..."` or `br/`.
func tagName(raw string) string {
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "/"))
	if i := strings.IndexFunc(raw, unicode.IsSpace); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(raw)
}

func isBlockTag(tag string) bool {
	switch strings.TrimPrefix(tag, "/") {
	case "p", "div", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "ul", "ol", "table", "tr", "blockquote", "pre",
		"section", "article", "header", "footer", "nav", "main":
		return true
	}
	return false
}

func collapseWhitespace(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	lastSpace, lastNewline := false, false
	for _, r := range s {
		switch {
		case r == '\n':
			if !lastNewline {
				out.WriteByte('\n')
			}
			lastNewline, lastSpace = true, true
		case unicode.IsSpace(r):
			if !lastSpace {
				out.WriteByte(' ')
			}
			lastSpace = true
		default:
			out.WriteRune(r)
			lastSpace, lastNewline = false, false
		}
	}
	return strings.TrimSpace(out.String())
}
