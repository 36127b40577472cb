package llm

import "context"

// Client is a model provider.
type Client interface {
	// Chat runs one non-streaming completion. tools use the OpenAI
	// function-definition shape; providers convert as needed.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping reports whether the provider answers at all.
	Ping(ctx context.Context) error
}
