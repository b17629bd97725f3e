// Package events carries what Nexa emits to its front end: MCP tool
// responses, streamed chat chunks and server connection changes. The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceHost identifies events from the MCP host.
	SourceHost = "host"
	// SourceChat identifies events from the chat loop.
	SourceChat = "chat"
	// SourceWatch identifies events from connection health watchers.
	SourceWatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindMCPResponse carries the outcome of a tool invocation.
	// Data: requestId, responseId, response.
	KindMCPResponse = "mcp_response"
	// KindStreamChat carries one streamed chunk of a model reply.
	// Data: conversation_id, content, done.
	KindStreamChat = "stream_chat"
	// KindServerConnected signals a completed MCP handshake.
	// Data: server, version, tools.
	KindServerConnected = "server_connected"
	// KindServerDisconnected signals an MCP client reaching
	// Disconnected. Data: server.
	KindServerDisconnected = "server_disconnected"
	// KindToolCall signals the chat loop starting a tool.
	// Data: conversation_id, tool, server.
	KindToolCall = "tool_call"
	// KindToolDone signals a tool finishing.
	// Data: conversation_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindServiceState signals a watched endpoint changing health.
	// Data: service, ready, error.
	KindServiceState = "service_state"
)

// Event represents a single event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscription struct {
	ch    chan Event
	kinds map[string]bool // nil means every kind
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish sends an event to all matching subscribers, stamping it with
// the current time if Timestamp is zero. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[e.Kind] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Full; drop rather than block.
		}
	}
}

// Emit is shorthand for Publish with a fresh timestamp.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events of the
// given kinds, or every event when no kinds are given. The caller must
// eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
