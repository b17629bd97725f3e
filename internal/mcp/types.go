package mcp

import (
	"fmt"
	"strings"

	"github.com/jazzcort/nexa/internal/json"
)

// ProtocolVersion is the MCP protocol version advertised and required
// during the handshake.
const ProtocolVersion = "2025-06-18"

// Method names used by the client.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodPing             = "ping"
	MethodToolsListChanged = "notifications/tools/list_changed"
)

// Implementation identifies a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ListChanged is a capability that may announce list changes.
type ListChanged struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ClientCapabilities are feature toggles the client advertises. A nil
// field means the feature is not supported.
type ClientCapabilities struct {
	Elicitation  *struct{}                 `json:"elicitation,omitempty"`
	Experimental map[string]map[string]any `json:"experimental,omitempty"`
	Roots        *ListChanged              `json:"roots,omitempty"`
	Sampling     *struct{}                 `json:"sampling,omitempty"`
}

// ClientConfiguration is the initialize request payload. It is sent once
// and never changes for the session.
type ClientConfiguration struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// ResourcesCapability describes resource support on the server.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// ServerCapabilities describes what an MCP server supports. A nil field
// means the feature is absent.
type ServerCapabilities struct {
	Completions  *struct{}                 `json:"completions,omitempty"`
	Experimental map[string]map[string]any `json:"experimental,omitempty"`
	Logging      *struct{}                 `json:"logging,omitempty"`
	Prompts      *ListChanged              `json:"prompts,omitempty"`
	Resources    *ResourcesCapability      `json:"resources,omitempty"`
	Tools        *ListChanged              `json:"tools,omitempty"`
}

// ServerConfiguration is the initialize result. It is fixed once the
// handshake completes.
type ServerConfiguration struct {
	Meta            map[string]any     `json:"_meta,omitempty"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// ToolAnnotations are optional usage hints for a tool.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Tool is an MCP tool as returned by tools/list. Name is the registry key.
type Tool struct {
	Name         string           `json:"name"`
	Title        string           `json:"title,omitempty"`
	Description  string           `json:"description,omitempty"`
	InputSchema  map[string]any   `json:"inputSchema"`
	OutputSchema map[string]any   `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
	Meta         map[string]any   `json:"_meta,omitempty"`
}

// listToolsResult is the result payload of a tools/list response.
type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// DecodeCallToolResult interprets a tools/call response. A Fail response
// is returned as its *RPCError.
func DecodeCallToolResult(resp *Response) (*CallToolResult, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response")
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Text joins all text content blocks into a single string. Non-text
// blocks are represented as inline markers. When there are no content
// blocks, structured content is returned verbatim.
func (r *CallToolResult) Text() string {
	if len(r.Content) == 0 && len(r.StructuredContent) > 0 {
		return string(r.StructuredContent)
	}
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
