package host

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jazzcort/nexa/internal/llm"
	"github.com/jazzcort/nexa/internal/mcp"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolName generates the namespaced name a model sees for an MCP tool:
// "mcp_{server}_{tool}". Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, toolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(toolName))
}

// sanitize lowercases name, replaces every other character with an
// underscore, collapses runs of underscores and trims them from the ends.
func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

// exposes reports whether the server's include and exclude filters let
// the tool through. A non-empty include list wins over exclude.
func (s *server) exposes(tool string) bool {
	if len(s.include) > 0 {
		return s.include[tool]
	}
	return !s.exclude[tool]
}

// Binding ties a declared tool name to the server and MCP tool it calls.
type Binding struct {
	Name   string
	Server string
	Tool   mcp.Tool
}

// Bindings lists every exposed tool of every server, ordered by server
// then tool name. When two tools sanitize to the same name, the first
// in that order keeps it and the other is skipped.
func (h *Host) Bindings() []Binding {
	h.mu.RLock()
	list := make([]*server, 0, len(h.servers))
	for _, srv := range h.servers {
		list = append(list, srv)
	}
	h.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })

	seen := make(map[string]bool)
	var out []Binding
	for _, srv := range list {
		if srv.client.Status() != mcp.StatusConnected {
			continue
		}
		for _, t := range srv.client.Tools() {
			if !srv.exposes(t.Name) {
				continue
			}
			name := ToolName(srv.name, t.Name)
			if seen[name] {
				h.logger.Warn("duplicate MCP tool name skipped",
					"name", name,
					"server", srv.name,
					"tool", t.Name,
				)
				continue
			}
			seen[name] = true
			out = append(out, Binding{Name: name, Server: srv.name, Tool: t})
		}
	}
	return out
}

// Declarations converts the exposed tools into function declarations for
// a chat model.
func (h *Host) Declarations() []llm.ToolDeclaration {
	bindings := h.Bindings()
	decls := make([]llm.ToolDeclaration, 0, len(bindings))
	for _, b := range bindings {
		desc := b.Tool.Description
		if desc == "" {
			desc = b.Tool.Title
		}
		params := b.Tool.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls = append(decls, llm.ToolDeclaration{
			Name:        b.Name,
			Description: desc,
			Parameters:  params,
		})
	}
	return decls
}

// Resolve maps a declared tool name back to its server and MCP tool name.
func (h *Host) Resolve(name string) (serverName, tool string, ok bool) {
	for _, b := range h.Bindings() {
		if b.Name == name {
			return b.Server, b.Tool.Name, true
		}
	}
	return "", "", false
}
