// Package chat runs a conversation turn: it sends the history to a chat
// model with the MCP tools as function declarations, executes the tool
// calls the model asks for and feeds the results back until the model
// answers in text.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jazzcort/nexa/internal/events"
	"github.com/jazzcort/nexa/internal/history"
	"github.com/jazzcort/nexa/internal/llm"
	"github.com/jazzcort/nexa/internal/mcp"
)

// DefaultMaxIterations bounds model round trips per turn.
const DefaultMaxIterations = 10

// exhaustedReply is returned when even the final text-only call fails.
const exhaustedReply = "I was unable to finish within the tool call limit."

// Tools is the tool surface the loop calls into. *host.Host satisfies it.
type Tools interface {
	Declarations() []llm.ToolDeclaration
	Resolve(name string) (server, tool string, ok bool)
	CallTool(ctx context.Context, server, tool, requestID, responseID string, args any) (*mcp.Response, error)
}

// Store persists conversation messages. *history.Store satisfies it.
type Store interface {
	History(ctx context.Context, conversationID string) ([]llm.Message, error)
	Append(ctx context.Context, conversationID string, msg llm.Message) (*history.Record, error)
}

// Config holds the loop settings.
type Config struct {
	Model         string
	MaxIterations int
	SystemPrompt  string
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger. A nil logger keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithBus sets the bus that receives stream and tool events.
func WithBus(b *events.Bus) Option {
	return func(lp *Loop) { lp.bus = b }
}

// Loop runs chat turns against one model.
type Loop struct {
	llm    llm.Client
	tools  Tools
	store  Store
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a loop. tools may be nil, in which case the model is
// offered no tools.
func New(client llm.Client, tools Tools, store Store, cfg Config, opts ...Option) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	l := &Loop{
		llm:    client,
		tools:  tools,
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Result summarizes a completed turn.
type Result struct {
	ConversationID string
	Content        string
	Model          string
	Iterations     int
	ToolCalls      int
	InputTokens    int
	OutputTokens   int
	Exhausted      bool
}

// Run sends userText as the next user message of the conversation.
func (l *Loop) Run(ctx context.Context, conversationID, userText string, cb llm.StreamCallback) (*Result, error) {
	return l.RunMessage(ctx, conversationID, llm.Message{Role: llm.RoleUser, Content: userText}, cb)
}

// RunMessage appends msg to the conversation and runs the model until it
// replies without tool calls or MaxIterations is reached. Every message
// produced along the way is persisted. cb receives the model's stream
// events.
func (l *Loop) RunMessage(ctx context.Context, conversationID string, msg llm.Message, cb llm.StreamCallback) (*Result, error) {
	past, err := l.store.History(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if err := l.persist(ctx, conversationID, msg); err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(past)+2)
	if l.cfg.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	}
	messages = append(messages, past...)
	messages = append(messages, msg)

	res := &Result{ConversationID: conversationID, Model: l.cfg.Model}
	log := l.logger.With("conversation_id", conversationID, "model", l.cfg.Model)
	stream := l.streamer(conversationID, cb)

	for i := range l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("chat cancelled: %w", err)
		}

		var decls []llm.ToolDeclaration
		if l.tools != nil {
			decls = l.tools.Declarations()
		}

		iterStart := time.Now()
		log.Debug("chat llm call", "iter", i, "msgs", len(messages), "tools", len(decls))

		resp, err := l.llm.ChatStream(ctx, l.cfg.Model, messages, decls, stream)
		if err != nil {
			return nil, fmt.Errorf("llm call failed (iter %d): %w", i, err)
		}
		res.Iterations = i + 1
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			res.Model = resp.Model
		}

		log.Info("chat llm response",
			"iter", i,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"elapsed", time.Since(iterStart).Round(time.Millisecond),
		)

		reply := resp.Message
		reply.Role = llm.RoleAssistant
		if err := l.persist(ctx, conversationID, reply); err != nil {
			return nil, err
		}
		messages = append(messages, reply)

		if len(reply.ToolCalls) == 0 {
			res.Content = reply.Content
			l.emitDone(conversationID)
			return res, nil
		}

		for _, tc := range reply.ToolCalls {
			res.ToolCalls++
			result := l.execute(ctx, log, conversationID, tc)
			toolMsg := llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
			}
			if err := l.persist(ctx, conversationID, toolMsg); err != nil {
				return nil, err
			}
			messages = append(messages, toolMsg)
		}
	}

	log.Warn("chat max iterations reached", "max_iter", l.cfg.MaxIterations)
	return l.forceTextResponse(ctx, conversationID, messages, stream, res)
}

// forceTextResponse makes a final call without tools so the turn ends
// with text.
func (l *Loop) forceTextResponse(ctx context.Context, conversationID string, messages []llm.Message, stream llm.StreamCallback, res *Result) (*Result, error) {
	res.Exhausted = true
	defer l.emitDone(conversationID)

	resp, err := l.llm.ChatStream(ctx, l.cfg.Model, messages, nil, stream)
	if err != nil {
		l.logger.Error("final text call failed", "conversation_id", conversationID, "error", err)
		res.Content = exhaustedReply
		if perr := l.persist(ctx, conversationID, llm.Message{Role: llm.RoleAssistant, Content: res.Content}); perr != nil {
			return nil, perr
		}
		return res, nil
	}

	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens
	res.Content = resp.Message.Content
	if err := l.persist(ctx, conversationID, llm.Message{Role: llm.RoleAssistant, Content: res.Content}); err != nil {
		return nil, err
	}
	return res, nil
}

// execute runs one tool call and renders its outcome as the text the
// model will see. Failures become "Error: ..." text rather than errors
// so the model can react to them.
func (l *Loop) execute(ctx context.Context, log *slog.Logger, conversationID string, tc llm.ToolCall) string {
	name := tc.Function.Name
	if l.tools == nil {
		return "Error: no tools are available"
	}
	server, tool, ok := l.tools.Resolve(name)
	if !ok {
		log.Warn("model called unknown tool", "tool", name)
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	reqID, _ := uuid.NewV7()
	requestID := reqID.String()

	l.bus.Emit(events.SourceChat, events.KindToolCall, map[string]any{
		"conversation_id": conversationID,
		"tool":            tool,
		"server":          server,
		"request_id":      requestID,
	})
	start := time.Now()

	var args any
	if tc.Function.Arguments != nil {
		args = tc.Function.Arguments
	}
	resp, err := l.tools.CallTool(ctx, server, tool, requestID, tc.ID, args)
	text, ok := renderToolResult(resp, err)

	elapsed := time.Since(start)
	l.bus.Emit(events.SourceChat, events.KindToolDone, map[string]any{
		"conversation_id": conversationID,
		"tool":            tool,
		"server":          server,
		"request_id":      requestID,
		"ok":              ok,
		"duration_ms":     elapsed.Milliseconds(),
	})
	if ok {
		log.Debug("tool exec done", "server", server, "tool", tool, "result_len", len(text), "elapsed", elapsed.Round(time.Millisecond))
	} else {
		log.Warn("tool exec failed", "server", server, "tool", tool, "result", text)
	}
	return text
}

// renderToolResult turns a tool call outcome into text and reports
// whether it succeeded.
func renderToolResult(resp *mcp.Response, err error) (string, bool) {
	if err != nil {
		return "Error: " + err.Error(), false
	}
	if resp.IsError() {
		return "Error: " + resp.Error.Message, false
	}
	result, err := mcp.DecodeCallToolResult(resp)
	if err != nil {
		return "Error: " + err.Error(), false
	}
	if result.IsError {
		return "Error: " + result.Text(), false
	}
	return result.Text(), true
}

func (l *Loop) persist(ctx context.Context, conversationID string, msg llm.Message) error {
	if _, err := l.store.Append(ctx, conversationID, msg); err != nil {
		return fmt.Errorf("save %s message: %w", msg.Role, err)
	}
	return nil
}

// streamer forwards model events to cb and mirrors tokens onto the bus.
func (l *Loop) streamer(conversationID string, cb llm.StreamCallback) llm.StreamCallback {
	return func(e llm.StreamEvent) {
		if e.Kind == llm.KindToken {
			l.bus.Emit(events.SourceChat, events.KindStreamChat, map[string]any{
				"conversation_id": conversationID,
				"content":         e.Token,
				"done":            false,
			})
		}
		if cb != nil {
			cb(e)
		}
	}
}

func (l *Loop) emitDone(conversationID string) {
	l.bus.Emit(events.SourceChat, events.KindStreamChat, map[string]any{
		"conversation_id": conversationID,
		"content":         "",
		"done":            true,
	})
}
