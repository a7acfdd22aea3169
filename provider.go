package cireilclaw

import "context"

// Provider abstracts the chat completion backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai-compat").
	Name() string
}

// ProviderFactory builds a Provider for a resolved endpoint. The engine calls
// it once per turn, after per-guild and per-room overrides are applied, so a
// config change takes effect on the next turn without a restart.
type ProviderFactory func(apiBase, apiKey, model string) Provider
