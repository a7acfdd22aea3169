// Package search implements brave-search, a web search tool backed by the
// Brave Search API.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cireilclaw/cireilclaw"
)

const endpoint = "https://api.search.brave.com/res/v1/web/search"

// Tool performs web searches via the Brave API. An empty API key leaves the
// tool registered but returns a structured not_configured error, so the
// model learns the capability is unavailable instead of the turn failing.
type Tool struct {
	apiKey string
	client *http.Client
}

var _ cireilclaw.Tool = (*Tool)(nil)

// New creates the search tool. apiKey comes from integrations.toml and may
// be empty.
func New(apiKey string) *Tool {
	return &Tool{
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Tool) Definitions() []cireilclaw.ToolDefinition {
	return []cireilclaw.ToolDefinition{{
		Name:        "brave-search",
		Description: "Search the web. Use for recent events, news, prices, or anything requiring up-to-date information.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "description": "Search query"},
				"count": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results, default 5"}
			},
			"required": ["query"]
		}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage, tc *cireilclaw.ToolContext) (cireilclaw.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return cireilclaw.Fail("invalid args: " + err.Error()), nil
	}
	if t.apiKey == "" {
		return cireilclaw.Fail("Brave Search API key is not configured", "code", "not_configured"), nil
	}

	count := params.Count
	if count < 1 {
		count = 5
	}
	if count > 20 {
		count = 20
	}

	results, err := t.braveSearch(ctx, params.Query, count)
	if err != nil {
		return cireilclaw.Fail(err.Error()), nil
	}
	return cireilclaw.OK("query", params.Query, "results", results), nil
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]searchResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", endpoint, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode brave response: %w", err)
	}

	results := make([]searchResult, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return results, nil
}
