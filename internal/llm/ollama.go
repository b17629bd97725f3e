package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jazzcort/nexa/internal/httpkit"
	"github.com/jazzcort/nexa/internal/json"
)

// OllamaClient is a client for the Ollama HTTP API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		// No global timeout; model loads and long replies are bounded
		// by the request context.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function FunctionCall `json:"function"`
}

type ollamaTool struct {
	Type     string          `json:"type"`
	Function ToolDeclaration `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       time.Time     `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration"`
	LoadDuration    int64         `json:"load_duration"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	EvalDuration    int64         `json:"eval_duration"`
	Error           string        `json:"error"`
}

func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{
			Role:     m.Role,
			Content:  m.Content,
			Images:   m.Images,
			ToolName: m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{Function: tc.Function})
		}
		out = append(out, om)
	}
	return out
}

func toOllamaTools(tools []ToolDeclaration) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, len(tools))
	for i, t := range tools {
		out[i] = ollamaTool{Type: "function", Function: t}
	}
	return out
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDeclaration) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama. Replies are read
// as newline-delimited JSON chunks; tokens are delivered to callback as
// they arrive.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDeclaration, callback StreamCallback) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   true,
		Tools:    toOllamaTools(tools),
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending chat request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httpkit.CheckStatus(resp); err != nil {
		c.logger.Error("API error", "model", model, "error", err)
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	var final ChatResponse
	var content strings.Builder
	var calls []ToolCall
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("ollama chat: stream ended before done")
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama chat: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback.emit(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		for _, tc := range chunk.Message.ToolCalls {
			calls = append(calls, ToolCall{Function: tc.Function})
		}

		if chunk.Done {
			final = ChatResponse{
				Model:         chunk.Model,
				CreatedAt:     chunk.CreatedAt,
				Done:          true,
				InputTokens:   chunk.PromptEvalCount,
				OutputTokens:  chunk.EvalCount,
				TotalDuration: time.Duration(chunk.TotalDuration),
				LoadDuration:  time.Duration(chunk.LoadDuration),
				EvalDuration:  time.Duration(chunk.EvalDuration),
			}
			break
		}
	}

	final.Message = Message{
		Role:      RoleAssistant,
		Content:   content.String(),
		ToolCalls: calls,
	}

	// Many local models print tool calls as text instead of using the
	// native tool_calls field.
	if len(tools) > 0 && len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content, declarationNames(tools)); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}
	assignCallIDs(final.Message.ToolCalls)

	c.logger.Debug("stream complete",
		"model", model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
		"duration", final.TotalDuration,
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", final.Message.Content)

	callback.finish(&final)
	return &final, nil
}

// assignCallIDs gives every call without an ID a fresh one so tool
// results can be matched to their call.
func assignCallIDs(calls []ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}

// declarationNames returns the tool names in tools, in order.
func declarationNames(tools []ToolDeclaration) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handles these formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - Concatenated objects: {...}{...}, trailing prose ignored
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
//   - Bare name then arguments: tool_name {"key": "value"}
//
// When validTools is non-empty, calls naming any other tool are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var found []FunctionCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &found); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		found = decodeCallObjects(content)
	default:
		// tool_name {json}; only trusted when the name is declared.
		brace := strings.Index(content, "{")
		if brace <= 0 || len(validTools) == 0 {
			return nil
		}
		name := strings.TrimSpace(content[:brace])
		if name == "" || strings.ContainsAny(name, " \t\n") {
			return nil
		}
		var args map[string]any
		if err := json.NewDecoder(strings.NewReader(content[brace:])).Decode(&args); err != nil {
			return nil
		}
		found = []FunctionCall{{Name: name, Arguments: args}}
	}

	var result []ToolCall
	for _, fc := range found {
		if fc.Name == "" {
			continue
		}
		if len(validTools) > 0 && !slices.Contains(validTools, fc.Name) {
			continue
		}
		result = append(result, ToolCall{Function: fc})
	}
	return result
}

// decodeCallObjects decodes successive JSON objects from content and
// stops at the first thing that is not one.
func decodeCallObjects(content string) []FunctionCall {
	var calls []FunctionCall
	dec := json.NewDecoder(strings.NewReader(content))
	for {
		var fc FunctionCall
		if err := dec.Decode(&fc); err != nil {
			return calls
		}
		calls = append(calls, fc)
	}
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

// ListModels returns every locally installed model.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]string, len(result.Models))
	for i, m := range result.Models {
		models[i] = m.Name
	}
	return models, nil
}

// ChatModels returns the installed models that advertise the
// "completion" capability. Embedding-only models are left out.
func (c *OllamaClient) ChatModels(ctx context.Context) ([]string, error) {
	all, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	var models []string
	for _, name := range all {
		caps, err := c.capabilities(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("show %s: %w", name, err)
		}
		if slices.Contains(caps, "completion") {
			models = append(models, name)
		}
	}
	return models, nil
}

func (c *OllamaClient) capabilities(ctx context.Context, model string) ([]string, error) {
	body, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, err
	}

	var result struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Capabilities, nil
}
