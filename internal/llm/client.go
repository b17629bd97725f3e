package llm

import "context"

// Client is a chat model provider.
type Client interface {
	// Chat sends the conversation and returns the complete reply.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDeclaration) (*ChatResponse, error)

	// ChatStream is Chat with incremental delivery through callback.
	// The returned response is the same one carried by the KindDone
	// event.
	ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDeclaration, callback StreamCallback) (*ChatResponse, error)

	// Ping reports whether the provider is reachable.
	Ping(ctx context.Context) error
}

// ModelLister is implemented by providers that can enumerate models
// able to chat.
type ModelLister interface {
	ChatModels(ctx context.Context) ([]string, error)
}
