package history

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jazzcort/nexa/internal/llm"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	store.now = fixedClock()

	c, err := store.CreateConversation(t.Context(), "", "llama3.2")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if len(c.ID) != 36 {
		t.Errorf("ID = %q, want a UUID", c.ID)
	}

	got, err := store.Conversation(t.Context(), c.ID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got.Model != "llama3.2" || got.Messages != 0 {
		t.Errorf("Conversation = %+v, want llama3.2 with 0 messages", got)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}

	if _, err := store.Conversation(t.Context(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Conversation(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_AppendAndMessages(t *testing.T) {
	store := setupTestStore(t)
	c, err := store.CreateConversation(t.Context(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "What's the weather in Boston?\nThanks", Images: []string{"aGVsbG8="}},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID:       "call_1",
			Function: llm.FunctionCall{Name: "mcp_weather_get_forecast", Arguments: map[string]any{"city": "Boston"}},
		}}},
		{Role: llm.RoleTool, ToolCallID: "call_1", ToolName: "mcp_weather_get_forecast", Content: "72F"},
		{Role: llm.RoleAssistant, Content: "It is 72F."},
	}
	for _, m := range msgs {
		if _, err := store.Append(t.Context(), c.ID, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := store.Messages(t.Context(), c.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(recs) != len(msgs) {
		t.Fatalf("Messages = %d records, want %d", len(recs), len(msgs))
	}
	for i, r := range recs {
		if r.Seq != i+1 {
			t.Errorf("record %d seq = %d, want %d", i, r.Seq, i+1)
		}
		if r.Message.Role != msgs[i].Role || r.Message.Content != msgs[i].Content {
			t.Errorf("record %d = %+v, want %+v", i, r.Message, msgs[i])
		}
	}
	if got := recs[0].Message.Images; len(got) != 1 || got[0] != "aGVsbG8=" {
		t.Errorf("images = %v, want round trip", got)
	}
	tc := recs[1].Message.ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_1" || tc[0].Function.Arguments["city"] != "Boston" {
		t.Errorf("tool calls = %+v, want call_1 city=Boston", tc)
	}
	if recs[2].Message.ToolCallID != "call_1" || recs[2].Message.ToolName != "mcp_weather_get_forecast" {
		t.Errorf("tool result = %+v, want call_1 link", recs[2].Message)
	}
	if recs[3].Message.ToolCalls != nil || recs[3].Message.Images != nil {
		t.Errorf("plain message = %+v, want no tool calls or images", recs[3].Message)
	}

	got, err := store.Conversation(t.Context(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "What's the weather in Boston?" {
		t.Errorf("Title = %q, want first line of first user message", got.Title)
	}
	if got.Messages != 4 {
		t.Errorf("Messages = %d, want 4", got.Messages)
	}

	history, err := store.History(t.Context(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 || history[3].Content != "It is 72F." {
		t.Errorf("History = %+v", history)
	}
}

func TestStore_AppendUnknownConversation(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Append(t.Context(), "missing", llm.Message{Role: llm.RoleUser, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Append = %v, want ErrNotFound", err)
	}
	if _, err := store.Messages(t.Context(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Messages = %v, want ErrNotFound", err)
	}
}

func TestStore_ConversationsOrder(t *testing.T) {
	store := setupTestStore(t)
	store.now = fixedClock()

	first, _ := store.CreateConversation(t.Context(), "first", "")
	second, _ := store.CreateConversation(t.Context(), "second", "")
	if _, err := store.Append(t.Context(), first.ID, llm.Message{Role: llm.RoleUser, Content: "bump"}); err != nil {
		t.Fatal(err)
	}

	list, err := store.Conversations(t.Context())
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Conversations = %d, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("order = %s, %s, want most recently updated first", list[0].Title, list[1].Title)
	}
	if list[0].Title != "first" {
		t.Errorf("Title = %q, want explicit title kept", list[0].Title)
	}
}

func TestStore_DeleteConversation(t *testing.T) {
	store := setupTestStore(t)
	c, _ := store.CreateConversation(t.Context(), "", "")
	store.Append(t.Context(), c.ID, llm.Message{Role: llm.RoleUser, Content: "hi"})

	if err := store.DeleteConversation(t.Context(), c.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := store.Messages(t.Context(), c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Messages after delete = %v, want ErrNotFound", err)
	}
	var n int
	store.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	if n != 0 {
		t.Errorf("messages left = %d, want 0", n)
	}
	if err := store.DeleteConversation(t.Context(), c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteConversation = %v, want ErrNotFound", err)
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  hello  ", "hello"},
		{"line one\nline two", "line one"},
		{strings.Repeat("a", 70), strings.Repeat("a", 60) + "…"},
		{strings.Repeat("é", 61), strings.Repeat("é", 60) + "…"},
	}
	for _, tt := range tests {
		if got := deriveTitle(tt.in); got != tt.want {
			t.Errorf("deriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpen_Migrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c, err := s.CreateConversation(t.Context(), "kept", "")
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Conversation(t.Context(), c.ID); err != nil {
		t.Errorf("Conversation after reopen = %v, want nil", err)
	}
}
