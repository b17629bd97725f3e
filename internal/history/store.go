// Package history persists chat conversations and their messages in
// SQLite so a conversation can be resumed after restart.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jazzcort/nexa/internal/json"
	"github.com/jazzcort/nexa/internal/llm"
)

// ErrNotFound is returned for an unknown conversation ID.
var ErrNotFound = errors.New("conversation not found")

// maxTitleLen bounds titles derived from the first user message.
const maxTitleLen = 60

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Conversation is a chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  int       `json:"messages"`
}

// Record is a stored message.
type Record struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Seq            int         `json:"seq"`
	Message        llm.Message `json:"message"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Store is a SQLite conversation store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store on an open database, creating the schema if
// needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			model      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			images          TEXT,
			tool_calls      TEXT,
			tool_call_id    TEXT,
			tool_name       TEXT,
			created_at      TEXT NOT NULL,
			UNIQUE (conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);
	`)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// CreateConversation starts an empty conversation.
func (s *Store) CreateConversation(ctx context.Context, title, model string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate conversation id: %w", err)
	}
	now := s.now()
	c := &Conversation{
		ID:        id.String(),
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Model, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// Conversation returns one conversation with its message count.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.title, c.model, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return c, nil
}

// Conversations lists every conversation, most recently updated first.
func (s *Store) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.model, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at DESC, c.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*Conversation, error) {
	var c Conversation
	var created, updated string
	if err := sc.Scan(&c.ID, &c.Title, &c.Model, &created, &updated, &c.Messages); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// Append stores msg at the end of the conversation. The first user
// message also names an untitled conversation.
func (s *Store) Append(ctx context.Context, conversationID string, msg llm.Message) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	images, err := marshalOptional(msg.Images)
	if err != nil {
		return nil, fmt.Errorf("marshal images: %w", err)
	}
	calls, err := marshalOptional(msg.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var title string
	err = tx.QueryRowContext(ctx, `SELECT title FROM conversations WHERE id = ?`, conversationID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := s.now()
	rec := &Record{
		ID:             id.String(),
		ConversationID: conversationID,
		Seq:            seq,
		Message:        msg,
		CreatedAt:      now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, seq, role, content, images,
			tool_calls, tool_call_id, tool_name, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, conversationID, seq, msg.Role, msg.Content, images,
		calls, nullString(msg.ToolCallID), nullString(msg.ToolName), formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if title == "" && msg.Role == llm.RoleUser {
		title = deriveTitle(msg.Content)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?, title = ? WHERE id = ?`,
		formatTime(now), title, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// Messages returns a conversation's messages in order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Record, error) {
	if _, err := s.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, role, content, images, tool_calls, tool_call_id, tool_name, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{ConversationID: conversationID}
		var images, calls, callID, toolName sql.NullString
		var created string
		if err := rows.Scan(&rec.ID, &rec.Seq, &rec.Message.Role, &rec.Message.Content,
			&images, &calls, &callID, &toolName, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if images.Valid {
			if err := json.Unmarshal([]byte(images.String), &rec.Message.Images); err != nil {
				return nil, fmt.Errorf("unmarshal images of %s: %w", rec.ID, err)
			}
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &rec.Message.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls of %s: %w", rec.ID, err)
			}
		}
		rec.Message.ToolCallID = callID.String
		rec.Message.ToolName = toolName.String
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// History returns a conversation's messages ready to send to a model.
func (s *Store) History(ctx context.Context, conversationID string) ([]llm.Message, error) {
	recs, err := s.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, len(recs))
	for i, r := range recs {
		msgs[i] = r.Message
	}
	return msgs, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

func marshalOptional[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// deriveTitle returns the first line of content, cut at maxTitleLen
// runes.
func deriveTitle(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxTitleLen {
		return strings.TrimSpace(string(r[:maxTitleLen])) + "…"
	}
	return line
}
