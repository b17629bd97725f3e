package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/jazzcort/nexa/internal/httpkit"
	"github.com/jazzcort/nexa/internal/json"
)

const (
	geminiAPIVersion = "v1beta"
	geminiKeyHeader  = "x-goog-api-key"
	geminiMaxEvent   = 4 << 20
)

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(baseURL, apiKey string, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(map[string]string{geminiKeyHeader: apiKey}),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []ToolDeclaration `json:"functionDeclarations"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	Error        *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// geminiRole maps a message role onto the two roles Gemini accepts in
// contents. Tool results travel as user turns.
func geminiRole(role string) string {
	if role == RoleAssistant {
		return "model"
	}
	return "user"
}

// buildGeminiRequest converts a conversation. System messages become the
// system instruction and consecutive turns with the same Gemini role are
// merged, since the API expects roles to alternate.
func buildGeminiRequest(messages []Message, tools []ToolDeclaration) geminiRequest {
	var req geminiRequest
	var system []geminiPart

	for _, m := range messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, geminiPart{Text: m.Content})
			}
			continue
		}

		var parts []geminiPart
		switch m.Role {
		case RoleTool:
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: map[string]any{"result": m.Content},
			}})
		default:
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, geminiPart{InlineData: &geminiBlob{
					MimeType: imageMimeType(img),
					Data:     img,
				}})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := geminiRole(m.Role)
		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == role {
			req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, parts...)
			continue
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: system}
	}
	if len(tools) > 0 {
		decls := make([]ToolDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = ToolDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.Parameters),
			}
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return req
}

// geminiSchema drops the JSON Schema keywords the function declaration
// schema rejects. The input is not modified.
func geminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties", "$id", "$defs", "definitions":
			continue
		}
		out[k] = geminiSchemaValue(v)
	}
	return out
}

func geminiSchemaValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return geminiSchema(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = geminiSchemaValue(e)
		}
		return out
	}
	return v
}

// imageMimeType sniffs the type of a base64 image, defaulting to PNG.
func imageMimeType(b64 string) string {
	head := b64
	if len(head) > 684 {
		head = head[:684]
	}
	raw, err := base64.StdEncoding.DecodeString(head)
	if err != nil || len(raw) == 0 {
		return "image/png"
	}
	if ct := http.DetectContentType(raw); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/png"
}

func (c *GeminiClient) endpoint(path string) string {
	return c.baseURL + "/" + geminiAPIVersion + "/" + path
}

// Chat sends a chat request and collects the whole reply.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDeclaration) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream calls streamGenerateContent and decodes the server-sent
// events it returns.
func (c *GeminiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDeclaration, callback StreamCallback) (*ChatResponse, error) {
	model = strings.TrimPrefix(model, "models/")
	jsonData, err := json.Marshal(buildGeminiRequest(messages, tools))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending chat request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	u := c.endpoint("models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httpkit.CheckStatus(resp); err != nil {
		c.logger.Error("API error", "model", model, "error", err)
		return nil, fmt.Errorf("gemini chat: %w", err)
	}

	final := ChatResponse{Model: model, CreatedAt: start}
	var content strings.Builder
	var calls []ToolCall
	var sawCandidate bool

	for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: geminiMaxEvent}) {
		if err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		if strings.TrimSpace(ev.Data) == "" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("gemini chat: %s (%d %s)", chunk.Error.Message, chunk.Error.Code, chunk.Error.Status)
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("gemini chat: prompt blocked: %s", chunk.PromptFeedback.BlockReason)
		}
		if chunk.ModelVersion != "" {
			final.Model = chunk.ModelVersion
		}
		if usage := chunk.UsageMetadata; usage != nil {
			final.InputTokens = usage.PromptTokenCount
			final.OutputTokens = usage.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		sawCandidate = true

		for _, part := range chunk.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				calls = append(calls, ToolCall{
					ID: part.FunctionCall.ID,
					Function: FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: part.FunctionCall.Args,
					},
				})
			case part.Text != "":
				content.WriteString(part.Text)
				callback.emit(StreamEvent{Kind: KindToken, Token: part.Text})
			}
		}
	}

	if !sawCandidate {
		return nil, errors.New("gemini chat: no candidate in the response")
	}

	assignCallIDs(calls)
	final.Done = true
	final.TotalDuration = time.Since(start)
	final.Message = Message{
		Role:      RoleAssistant,
		Content:   content.String(),
		ToolCalls: calls,
	}

	c.logger.Debug("stream complete",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(calls),
		"duration", final.TotalDuration,
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", final.Message.Content)

	callback.finish(&final)
	return &final, nil
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

func (c *GeminiClient) listModels(ctx context.Context, pageSize int, pageToken string) (*geminiModelList, error) {
	q := url.Values{"pageSize": {fmt.Sprint(pageSize)}}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("models?"+q.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, err
	}

	var list geminiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &list, nil
}

// Ping checks that the API is reachable and the key is accepted.
func (c *GeminiClient) Ping(ctx context.Context) error {
	_, err := c.listModels(ctx, 1, "")
	return err
}

// ChatModels returns the models that support generateContent, without
// the "models/" prefix.
func (c *GeminiClient) ChatModels(ctx context.Context) ([]string, error) {
	var models []string
	var token string
	for {
		list, err := c.listModels(ctx, 1000, token)
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		for _, m := range list.Models {
			if slices.Contains(m.SupportedGenerationMethods, "generateContent") {
				models = append(models, strings.TrimPrefix(m.Name, "models/"))
			}
		}
		if list.NextPageToken == "" || list.NextPageToken == token {
			return models, nil
		}
		token = list.NextPageToken
	}
}
