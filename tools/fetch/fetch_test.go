package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cireilclaw/cireilclaw"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head><title>Release Notes</title></head>
<body>
<article>
<h1>Release Notes</h1>
<p>This release focuses on reliability. The scheduler now drains pending jobs
before shutdown, retries transient database errors with exponential backoff,
and records the last successful run of every job so that one-shot reminders
survive a restart without firing twice.</p>
<p>The transport layer gained automatic reconnection with jittered delays,
and long messages are split on paragraph boundaries instead of mid-word. A
handful of panics reported by early adopters were tracked down to a shared
buffer and fixed by giving each worker its own copy.</p>
<p>Finally, the documentation was rewritten from scratch, covering
configuration, deployment behind a reverse proxy, and the most common failure
modes with their remedies. Upgrading from any previous release requires no
migration steps.</p>
</article>
<script>var secretMarker = 1;</script>
</body>
</html>`

func execute(t *testing.T, args string) cireilclaw.ToolResult {
	t.Helper()
	res, err := New().Execute(context.Background(), "fetch", json.RawMessage(args), &cireilclaw.ToolContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

// --- fetch tests ---

func TestFetchExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	res := execute(t, fmt.Sprintf(`{"url": %q}`, srv.URL))
	if res.Output["success"] != true {
		t.Fatalf("output = %v, want success", res.Output)
	}
	if res.Output["url"] != srv.URL {
		t.Errorf("url = %v, want %s", res.Output["url"], srv.URL)
	}
	if res.Output["title"] != "Release Notes" {
		t.Errorf("title = %v, want Release Notes", res.Output["title"])
	}
	content, _ := res.Output["content"].(string)
	if !strings.Contains(content, "scheduler now drains pending jobs") {
		t.Errorf("content missing article text: %q", content)
	}
	if strings.Contains(content, "secretMarker") {
		t.Error("content includes script body")
	}
}

func TestFetchFallsBackOnNonArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><script>var hidden = 1;</script><div>status: ok</div></body></html>`)
	}))
	defer srv.Close()

	res := execute(t, fmt.Sprintf(`{"url": %q}`, srv.URL))
	if res.Output["success"] != true {
		t.Fatalf("output = %v, want success", res.Output)
	}
	content, _ := res.Output["content"].(string)
	if !strings.Contains(content, "status: ok") {
		t.Errorf("content = %q, want the page text", content)
	}
	if strings.Contains(content, "hidden") {
		t.Error("content includes script body")
	}
}

func TestFetchTruncatesLongContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>")
		for range 300 {
			fmt.Fprint(w, "<p>All work and no play makes the agent a dull bot, again and again. </p>")
		}
		fmt.Fprint(w, "</body></html>")
	}))
	defer srv.Close()

	res := execute(t, fmt.Sprintf(`{"url": %q}`, srv.URL))
	if res.Output["success"] != true {
		t.Fatalf("output = %v, want success", res.Output)
	}
	content, _ := res.Output["content"].(string)
	if !strings.HasSuffix(content, "\n... (truncated)") {
		t.Errorf("content tail = %q, want truncation note", content[len(content)-40:])
	}
	if len(content) != maxContent+len("\n... (truncated)") {
		t.Errorf("len(content) = %d, want %d", len(content), maxContent+len("\n... (truncated)"))
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	target := srv.URL + "/missing"
	res := execute(t, fmt.Sprintf(`{"url": %q}`, target))
	if res.Output["success"] != false {
		t.Fatalf("output = %v, want failure", res.Output)
	}
	want := fmt.Sprintf("HTTP 404 from %s", target)
	if res.Output["error"] != want {
		t.Errorf("error = %q, want %q", res.Output["error"], want)
	}
}

func TestFetchConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	res := execute(t, fmt.Sprintf(`{"url": %q}`, target))
	if res.Output["success"] != false {
		t.Fatalf("output = %v, want failure", res.Output)
	}
	msg, _ := res.Output["error"].(string)
	if !strings.HasPrefix(msg, "fetch error:") {
		t.Errorf("error = %q", msg)
	}
}

func TestFetchInvalidURL(t *testing.T) {
	res := execute(t, `{"url": "://nowhere"}`)
	if res.Output["success"] != false {
		t.Fatalf("output = %v, want failure", res.Output)
	}
	msg, _ := res.Output["error"].(string)
	if !strings.HasPrefix(msg, "invalid URL:") {
		t.Errorf("error = %q", msg)
	}
}

// --- stripHTML tests ---

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"blocks and skipped bodies",
			`<html><head><style>b{color:red}</style></head><body><h1>Title</h1><p>One   two</p><script>var x=1;</script><div>Three</div></body></html>`,
			"Title\nOne two\nThree",
		},
		{"self-closing break", "a<br/>b", "a\nb"},
		{"no markup", "plain  text", "plain text"},
		{"inline anchor", `x <a href="https://example.com">link</a> y`, "x link y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripHTML(tt.in); got != tt.want {
				t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTagName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`a href="x"`, "a"},
		{"br/", "br"},
		{"/script", "/script"},
		{"IMG SRC=logo.png", "img"},
		{"p", "p"},
	}
	for _, tt := range tests {
		if got := tagName(tt.raw); got != tt.want {
			t.Errorf("tagName(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestIsBlockTag(t *testing.T) {
	tests := []struct {
		tag  string
		want bool
	}{
		{"p", true},
		{"/div", true},
		{"li", true},
		{"span", false},
		{"a", false},
		{"html", false},
	}
	for _, tt := range tests {
		if got := isBlockTag(tt.tag); got != tt.want {
			t.Errorf("isBlockTag(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a  b", "a b"},
		{"a\n\n\nb", "a\nb"},
		{"  x  ", "x"},
		{"a\t\tb", "a b"},
	}
	for _, tt := range tests {
		if got := collapseWhitespace(tt.in); got != tt.want {
			t.Errorf("collapseWhitespace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
