package llm

import "context"

// Client is the interface that all LLM providers must implement.
//
// Streaming implementations that fail after content has begun to
// arrive return both an error and a non-nil *ChatResponse with Partial
// set, so callers can still account for what was generated.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil, tokens are streamed to it.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
