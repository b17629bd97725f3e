package llm

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/jazzcort/nexa/internal/json"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text no JSON", content: "It is sunny in Boston today.", wantCount: 0},
		{
			name:      "single tool call object",
			content:   `{"name": "get_forecast", "arguments": {"city": "Boston"}}`,
			wantCount: 1,
			wantName:  "get_forecast",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "get_forecast", "arguments": {"city": "Boston"}}, {"name": "list_alerts", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "get_forecast",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "read_file", "arguments": {"path": "notes.txt"}}</tool_call>`,
			wantCount: 1,
			wantName:  "read_file",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "get_forecast", "arguments": {"city": "Oslo"}}`,
			wantCount: 1,
			wantName:  "get_forecast",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that. <tool_call>{"name": "get_forecast", "arguments": {"city": "Oslo"}}</tool_call>`,
			wantCount: 1,
			wantName:  "get_forecast",
		},
		{
			name:      "fenced JSON",
			content:   "```json\n{\"name\": \"list_alerts\", \"arguments\": {}}\n```",
			wantCount: 1,
			wantName:  "list_alerts",
		},
		{name: "malformed JSON", content: `{"name": "get_forecast", "arguments": {`, wantCount: 0},
		{name: "JSON without name field", content: `{"foo": "bar", "arguments": {}}`, wantCount: 0},
		{name: "JSON with empty name", content: `{"name": "", "arguments": {}}`, wantCount: 0},
		{
			name:       "valid tool with validation",
			content:    `{"name": "get_forecast", "arguments": {"city": "Boston"}}`,
			validTools: []string{"get_forecast", "list_alerts"},
			wantCount:  1,
			wantName:   "get_forecast",
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "delete_everything", "arguments": {}}`,
			validTools: []string{"get_forecast", "list_alerts"},
			wantCount:  0,
		},
		{
			name:       "mixed valid/invalid in array",
			content:    `[{"name": "get_forecast", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			validTools: []string{"get_forecast"},
			wantCount:  1,
			wantName:   "get_forecast",
		},
		{
			name:      "no validation",
			content:   `{"name": "any_tool_name", "arguments": {}}`,
			wantCount: 1,
			wantName:  "any_tool_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)

			if len(got) != tt.wantCount {
				t.Errorf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
				return
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	content := `{"name": "get_forecast", "arguments": {"city": "Boston", "days": 3, "units": {"temp": "F"}}}`

	calls := parseTextToolCalls(content, nil)
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}

	args := calls[0].Function.Arguments
	if args["city"] != "Boston" {
		t.Errorf("city = %v, want 'Boston'", args["city"])
	}
	if args["days"] != float64(3) {
		t.Errorf("days = %v, want 3", args["days"])
	}
	if units, _ := args["units"].(map[string]any); units["temp"] != "F" {
		t.Errorf("units = %v, want temp F", args["units"])
	}
}

func TestParseTextToolCalls_ConcatenatedJSON(t *testing.T) {
	content := `{"name": "search", "arguments": {"query": "mcp"}}{"name": "search", "arguments": {"query": "json-rpc"}}{"name": "read_file", "arguments": {"path": "logs/log.txt"}}trailing prose is ignored`

	calls := parseTextToolCalls(content, []string{"search", "read_file"})
	if len(calls) != 3 {
		t.Fatalf("expected 3 tool calls, got %d", len(calls))
	}
	if calls[2].Function.Name != "read_file" {
		t.Errorf("call[2] name = %q, want read_file", calls[2].Function.Name)
	}
	if calls[2].Function.Arguments["path"] != "logs/log.txt" {
		t.Errorf("call[2] path = %v, want logs/log.txt", calls[2].Function.Arguments["path"])
	}
}

func TestParseTextToolCalls_ToolNameSpaceJSON(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantTool   string
		wantArgs   map[string]any
	}{
		{
			name:       "declared tool",
			content:    `get_forecast {"city": "Boston", "units": "imperial"}`,
			validTools: []string{"get_forecast", "list_alerts"},
			wantTool:   "get_forecast",
			wantArgs:   map[string]any{"city": "Boston", "units": "imperial"},
		},
		{
			name:       "with trailing text",
			content:    `get_forecast {"city": "Oslo"} I will check.`,
			validTools: []string{"get_forecast"},
			wantTool:   "get_forecast",
			wantArgs:   map[string]any{"city": "Oslo"},
		},
		{
			name:       "undeclared tool ignored",
			content:    `unknown_tool {"foo": "bar"}`,
			validTools: []string{"get_forecast"},
		},
		{
			name:    "no declarations",
			content: `get_forecast {"city": "Oslo"}`,
		},
		{
			name:       "prose before brace",
			content:    `Here you go {"city": "Oslo"}`,
			validTools: []string{"Here"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content, tt.validTools)

			if tt.wantTool == "" {
				if len(calls) != 0 {
					t.Errorf("expected no tool calls, got %d", len(calls))
				}
				return
			}
			if len(calls) != 1 {
				t.Fatalf("expected 1 tool call, got %d", len(calls))
			}
			if calls[0].Function.Name != tt.wantTool {
				t.Errorf("tool name = %q, want %q", calls[0].Function.Name, tt.wantTool)
			}
			for k, want := range tt.wantArgs {
				if got := calls[0].Function.Arguments[k]; got != want {
					t.Errorf("args[%q] = %v, want %v", k, got, want)
				}
			}
		})
	}
}

func TestDeclarationNames(t *testing.T) {
	if got := declarationNames(nil); got != nil {
		t.Errorf("declarationNames(nil) = %v, want nil", got)
	}
	tools := []ToolDeclaration{{Name: "get_forecast"}, {}, {Name: "list_alerts"}}
	if got := declarationNames(tools); !slices.Equal(got, []string{"get_forecast", "list_alerts"}) {
		t.Errorf("declarationNames() = %v, want [get_forecast list_alerts]", got)
	}
}

// ollamaServer serves canned /api/chat chunks and records the request.
func ollamaServer(t *testing.T, chunks ...string) (*httptest.Server, *ollamaRequest) {
	t.Helper()
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestOllamaChatStream(t *testing.T) {
	srv, req := ollamaServer(t,
		`{"model":"llama3.2","message":{"role":"assistant","content":"It is "},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":"sunny."},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":4,"total_duration":1500000000}`,
	)
	c := NewOllamaClient(srv.URL+"/", nil)

	var tokens []string
	var done *ChatResponse
	resp, err := c.ChatStream(t.Context(), "llama3.2", []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "weather?", Images: []string{"aGVsbG8="}},
	}, []ToolDeclaration{{Name: "get_forecast", Parameters: map[string]any{"type": "object"}}}, func(e StreamEvent) {
		switch e.Kind {
		case KindToken:
			tokens = append(tokens, e.Token)
		case KindDone:
			done = e.Response
		}
	})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}

	if resp.Message.Content != "It is sunny." {
		t.Errorf("content = %q, want %q", resp.Message.Content, "It is sunny.")
	}
	if !slices.Equal(tokens, []string{"It is ", "sunny."}) {
		t.Errorf("tokens = %q, want two chunks", tokens)
	}
	if done != resp {
		t.Errorf("KindDone response = %p, want returned response %p", done, resp)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 12/4", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration.Seconds() != 1.5 {
		t.Errorf("TotalDuration = %v, want 1.5s", resp.TotalDuration)
	}

	if !req.Stream {
		t.Error("request stream = false, want true")
	}
	if len(req.Messages) != 2 || req.Messages[1].Images[0] != "aGVsbG8=" {
		t.Errorf("request messages = %+v, want images forwarded", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Type != "function" || req.Tools[0].Function.Name != "get_forecast" {
		t.Errorf("request tools = %+v, want one function tool", req.Tools)
	}
}

func TestOllamaChatStream_ToolCalls(t *testing.T) {
	srv, _ := ollamaServer(t,
		`{"model":"qwen3","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_forecast","arguments":{"city":"Boston"}}}]},"done":false}`,
		`{"model":"qwen3","message":{"role":"assistant","content":""},"done":true}`,
	)
	c := NewOllamaClient(srv.URL, nil)

	var started []string
	resp, err := c.ChatStream(t.Context(), "qwen3", []Message{{Role: RoleUser, Content: "weather?"}},
		[]ToolDeclaration{{Name: "get_forecast"}},
		func(e StreamEvent) {
			if e.Kind == KindToolCall {
				started = append(started, e.ToolCall.Function.Name)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Arguments["city"] != "Boston" {
		t.Errorf("city = %v, want Boston", tc.Function.Arguments["city"])
	}
	if !strings.HasPrefix(tc.ID, "call_") {
		t.Errorf("ID = %q, want call_ prefix", tc.ID)
	}
	if !slices.Equal(started, []string{"get_forecast"}) {
		t.Errorf("KindToolCall events = %v, want [get_forecast]", started)
	}
}

func TestOllamaChat_TextToolCall(t *testing.T) {
	srv, _ := ollamaServer(t,
		`{"model":"llama3.2","message":{"role":"assistant","content":"<tool_call>{\"name\":\"get_forecast\",\"arguments\":{}}</tool_call>"},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true}`,
	)
	c := NewOllamaClient(srv.URL, nil)

	resp, err := c.Chat(t.Context(), "llama3.2", []Message{{Role: RoleUser, Content: "weather?"}},
		[]ToolDeclaration{{Name: "get_forecast"}})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Message.Content != "" {
		t.Errorf("content = %q, want cleared", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "get_forecast" {
		t.Errorf("tool calls = %+v, want get_forecast", resp.Message.ToolCalls)
	}
}

func TestOllamaChat_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
			},
			wantErr: "404",
		},
		{
			name: "error chunk",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"error":"out of memory"}`)
			},
			wantErr: "out of memory",
		},
		{
			name: "truncated stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"message":{"role":"assistant","content":"hi"},"done":false}`)
			},
			wantErr: "before done",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewOllamaClient(srv.URL, nil).Chat(t.Context(), "m", nil, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Chat() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOllamaChatModels(t *testing.T) {
	caps := map[string][]string{
		"llama3.2:latest":         {"completion", "tools"},
		"nomic-embed-text:latest": {"embedding"},
		"llava:7b":                {"completion", "vision"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest"},{"name":"nomic-embed-text:latest"},{"name":"llava:7b"}]}`)
		case "/api/show":
			var req struct {
				Model string `json:"model"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			out, _ := json.Marshal(map[string]any{"capabilities": caps[req.Model]})
			w.Write(out)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := NewOllamaClient(srv.URL, nil)

	all, err := c.ListModels(t.Context())
	if err != nil {
		t.Fatalf("ListModels() error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListModels() = %v, want 3 models", all)
	}

	got, err := c.ChatModels(t.Context())
	if err != nil {
		t.Fatalf("ChatModels() error: %v", err)
	}
	if want := []string{"llama3.2:latest", "llava:7b"}; !slices.Equal(got, want) {
		t.Errorf("ChatModels() = %v, want %v", got, want)
	}

	if err := c.Ping(t.Context()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
}

func TestOllamaPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if err := NewOllamaClient(url, nil).Ping(t.Context()); err == nil {
		t.Error("Ping() against closed server = nil, want error")
	}
}
