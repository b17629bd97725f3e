// Package llm talks to the chat model providers Nexa supports: a local
// Ollama daemon and the Gemini API. Both are exposed through Client so
// the chat loop does not care which one answers.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace logs full request and response payloads.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Images are base64-encoded image bytes attached to a user turn.
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and ToolName identify the call a RoleTool message
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is a model's request to run one tool.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDeclaration describes a tool the model may call. Parameters is a
// JSON Schema object.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatResponse is a complete model reply.
type ChatResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   Message   `json:"message"`
	Done      bool      `json:"done"`

	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCall events.
	ToolCall *ToolCall

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCall fires once per tool call in the reply.
	KindToolCall

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindToolCall:
		return "tool_call"
	case KindDone:
		return "done"
	}
	return "unknown"
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

func (cb StreamCallback) emit(e StreamEvent) {
	if cb != nil {
		cb(e)
	}
}

// finish emits the tool calls and the done event for a completed reply.
func (cb StreamCallback) finish(resp *ChatResponse) {
	if cb == nil {
		return
	}
	for i := range resp.Message.ToolCalls {
		cb(StreamEvent{Kind: KindToolCall, ToolCall: &resp.Message.ToolCalls[i]})
	}
	cb(StreamEvent{Kind: KindDone, Response: resp})
}
