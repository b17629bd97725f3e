package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	prefixes map[string]string // model name prefix → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		prefixes: make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[modelName] = providerName
}

// AddPrefix maps every model whose name starts with prefix to a
// provider, e.g. "gemini-" to the Gemini client.
func (m *MultiClient) AddPrefix(prefix, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixes[prefix] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clientFor returns the appropriate client for a model. Exact model
// mappings win over the longest matching prefix.
func (m *MultiClient) clientFor(model string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	var best string
	for prefix := range m.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		if client, ok := m.clients[m.prefixes[best]]; ok {
			return client
		}
	}
	return m.fallback
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDeclaration) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream sends a streaming request to the appropriate provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDeclaration, callback StreamCallback) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return fmt.Errorf("no fallback client configured")
}

// ChatModels lists the chat models of every provider that can enumerate
// them, keyed by provider name. Models found are registered for routing.
// Providers that fail are reported in the joined error; the others are
// still returned.
func (m *MultiClient) ChatModels(ctx context.Context) (map[string][]string, error) {
	m.mu.RLock()
	listers := make(map[string]ModelLister, len(m.clients))
	for name, c := range m.clients {
		if l, ok := c.(ModelLister); ok {
			listers[name] = l
		}
	}
	m.mu.RUnlock()

	result := make(map[string][]string, len(listers))
	var errs []error
	for name, l := range listers {
		models, err := l.ChatModels(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		result[name] = models
		for _, model := range models {
			m.AddModel(model, name)
		}
	}
	return result, errors.Join(errs...)
}
