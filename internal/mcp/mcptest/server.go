// Package mcptest runs an in-process streamable HTTP MCP server for
// tests of packages that sit on top of the MCP client.
package mcptest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jazzcort/nexa/internal/json"
	"github.com/jazzcort/nexa/internal/mcp"
)

// ToolFunc answers a tools/call request. Returning a non-nil *RPCError
// sends the Fail variant. It may block until ctx is done.
type ToolFunc func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, *mcp.RPCError)

// Server is a fake MCP server.
type Server struct {
	URL string

	info  mcp.Implementation
	tools []mcp.Tool
	funcs map[string]ToolFunc
	srv   *httptest.Server

	mu    sync.Mutex
	calls []Call
}

// Call records one tools/call request.
type Call struct {
	Tool      string
	Arguments map[string]any
}

// NewServer starts a server named name. It is closed by t.Cleanup.
func NewServer(t testing.TB, name string) *Server {
	t.Helper()
	s := &Server{
		info:  mcp.Implementation{Name: name, Version: "1.0.0"},
		funcs: make(map[string]ToolFunc),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// AddTool registers a tool. Must be called before clients connect.
func (s *Server) AddTool(tool mcp.Tool, fn ToolFunc) {
	s.tools = append(s.tools, tool)
	s.funcs[tool.Name] = fn
}

// TextTool returns a ToolFunc that always answers with text.
func TextTool(text string) ToolFunc {
	return func(context.Context, map[string]any) (*mcp.CallToolResult, *mcp.RPCError) {
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
	}
}

// Calls returns the tools/call requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f, err := mcp.DecodeFrame(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.Kind != mcp.FrameRequest {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Headers go out first so a blocking tool does not hold up Send.
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}

	result, rpcErr := s.handle(r.Context(), f.Request)
	resp := mcp.Response{JSONRPC: "2.0", ID: f.Request.ID, Error: rpcErr}
	if rpcErr == nil {
		resp.Result, _ = json.Marshal(result)
	}
	frame, _ := json.Marshal(resp)
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
}

func (s *Server) handle(ctx context.Context, req *mcp.Request) (any, *mcp.RPCError) {
	switch req.Method {
	case mcp.MethodInitialize:
		return mcp.ServerConfiguration{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ListChanged{}},
			ServerInfo:      s.info,
		}, nil
	case mcp.MethodToolsList:
		return map[string]any{"tools": s.tools}, nil
	case mcp.MethodToolsCall:
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		s.mu.Lock()
		s.calls = append(s.calls, Call{Tool: params.Name, Arguments: params.Arguments})
		s.mu.Unlock()

		fn, ok := s.funcs[params.Name]
		if !ok {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "unknown tool: " + params.Name}
		}
		result, rpcErr := fn(ctx, params.Arguments)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return result, nil
	case mcp.MethodPing:
		return struct{}{}, nil
	}
	return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Method not found"}
}
