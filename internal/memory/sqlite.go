package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a SQLite-backed conversation store.
type SQLiteStore struct {
	db    *sql.DB
	locks KeyedMutex
	now   func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewSQLiteStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreWithDB wraps an open database handle. The store owns
// db from here on and closes it in Close.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		directive TEXT,
		auth_state TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- seq gives a total order independent of clock resolution
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// unavailable tags a backend failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func (s *SQLiteStore) ensureConversation(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now.Format(timeLayout), now.Format(timeLayout))
	return err
}

// Append adds messages to a conversation in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, id string, msgs ...llm.Message) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureConversation(ctx, tx, id, now); err != nil {
		return unavailable("append", err)
	}
	for _, m := range msgs {
		msgID, _ := uuid.NewV7()
		toolCalls, err := encodeToolCalls(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msgID.String(), id, m.Role, m.Content, toolCalls, nullString(m.ToolCallID), now.Format(timeLayout)); err != nil {
			return unavailable("append", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now.Format(timeLayout), id); err != nil {
		return unavailable("append", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("append", err)
	}
	return nil
}

// Read returns the directive followed by the messages.
func (s *SQLiteStore) Read(ctx context.Context, id string) ([]llm.Message, error) {
	conv, err := s.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return []llm.Message{}, nil
	}
	return conv.History(), nil
}

// SetDirective replaces the system directive.
func (s *SQLiteStore) SetDirective(ctx context.Context, id string, msg llm.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode directive: %w", err)
	}
	return s.updateColumn(ctx, id, "directive", string(data))
}

// AuthState returns the credential state.
func (s *SQLiteStore) AuthState(ctx context.Context, id string) (AuthState, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT auth_state FROM conversations WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return AuthState{}, nil
	}
	if err != nil {
		return AuthState{}, unavailable("auth state", err)
	}
	var state AuthState
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &state); err != nil {
			return AuthState{}, fmt.Errorf("decode auth state: %w", err)
		}
	}
	return state, nil
}

// SetAuthState replaces the credential state.
func (s *SQLiteStore) SetAuthState(ctx context.Context, id string, state AuthState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now().UTC()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode auth state: %w", err)
	}
	return s.updateColumn(ctx, id, "auth_state", string(data))
}

// updateColumn sets one conversation column, creating the row first.
// column is always a constant from this file.
func (s *SQLiteStore) updateColumn(ctx context.Context, id, column, value string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("update "+column, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureConversation(ctx, tx, id, now); err != nil {
		return unavailable("update "+column, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET `+column+` = ? WHERE id = ?`, value, id); err != nil {
		return unavailable("update "+column, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("update "+column, err)
	}
	return nil
}

// Conversations lists conversations, most recently updated first.
func (s *SQLiteStore) Conversations(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.updated_at, COUNT(m.seq)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.id ASC
	`)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var created, updated string
		if err := rows.Scan(&sum.ID, &created, &updated, &sum.MessageCount); err != nil {
			return nil, unavailable("list conversations", err)
		}
		sum.CreatedAt, _ = time.Parse(timeLayout, created)
		sum.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list conversations", err)
	}
	return out, nil
}

// Conversation returns one conversation, or nil when it does not exist.
func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var directive, auth sql.NullString
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT directive, auth_state, created_at, updated_at FROM conversations WHERE id = ?
	`, id).Scan(&directive, &auth, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read conversation", err)
	}

	conv := &Conversation{ID: id}
	conv.CreatedAt, _ = time.Parse(timeLayout, created)
	conv.UpdatedAt, _ = time.Parse(timeLayout, updated)
	if directive.Valid && directive.String != "" {
		var d llm.Message
		if err := json.Unmarshal([]byte(directive.String), &d); err != nil {
			return nil, fmt.Errorf("decode directive: %w", err)
		}
		conv.Directive = &d
	}
	if auth.Valid && auth.String != "" {
		if err := json.Unmarshal([]byte(auth.String), &conv.Auth); err != nil {
			return nil, fmt.Errorf("decode auth state: %w", err)
		}
	}

	conv.Messages, err = s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) messages(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, unavailable("read messages", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		var toolCalls, toolCallID sql.NullString
		var ts string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID, &ts); err != nil {
			return nil, unavailable("read messages", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		m.ToolCallID = toolCallID.String
		m.Timestamp, _ = time.Parse(timeLayout, ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read messages", err)
	}
	return messages, nil
}

// Snapshot returns every conversation, most recently updated first.
func (s *SQLiteStore) Snapshot(ctx context.Context) ([]*Conversation, error) {
	sums, err := s.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	convs := make([]*Conversation, 0, len(sums))
	for _, sum := range sums {
		conv, err := s.Conversation(ctx, sum.ID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			convs = append(convs, conv)
		}
	}
	return convs, nil
}

// Restore replaces every conversation and message in one transaction.
// The tool-call audit trail is left alone.
func (s *SQLiteStore) Restore(ctx context.Context, convs []*Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("restore", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return unavailable("restore", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return unavailable("restore", err)
	}

	for _, c := range convs {
		var directive, auth any
		if c.Directive != nil {
			data, err := json.Marshal(c.Directive)
			if err != nil {
				return fmt.Errorf("encode directive: %w", err)
			}
			directive = string(data)
		}
		if c.Auth.Phase != AuthUnauthenticated || len(c.Auth.Credential) > 0 {
			data, err := json.Marshal(c.Auth)
			if err != nil {
				return fmt.Errorf("encode auth state: %w", err)
			}
			auth = string(data)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, directive, auth_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, c.ID, directive, auth, c.CreatedAt.UTC().Format(timeLayout), c.UpdatedAt.UTC().Format(timeLayout)); err != nil {
			return unavailable("restore", err)
		}

		for _, m := range c.Messages {
			id := m.ID
			if id == "" {
				v7, _ := uuid.NewV7()
				id = v7.String()
			}
			toolCalls, err := encodeToolCalls(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, id, c.ID, m.Role, m.Content, toolCalls, nullString(m.ToolCallID), m.Timestamp.UTC().Format(timeLayout)); err != nil {
				return unavailable("restore", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("restore", err)
	}
	return nil
}

// RecordToolCall records the start of a tool execution.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, conversationID, callID, toolName, arguments string) (string, error) {
	id, _ := uuid.NewV7()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, call_id, conversation_id, tool_name, arguments, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), callID, conversationID, toolName, arguments, s.now().UTC().Format(timeLayout))
	if err != nil {
		return "", unavailable("record tool call", err)
	}
	return id.String(), nil
}

// CompleteToolCall records the result of a tool call.
func (s *SQLiteStore) CompleteToolCall(ctx context.Context, id, result, errMsg string) error {
	var started string
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM tool_calls WHERE id = ?`, id).Scan(&started)
	if err == sql.ErrNoRows {
		return fmt.Errorf("tool call not found: %s", id)
	}
	if err != nil {
		return unavailable("complete tool call", err)
	}

	now := s.now().UTC()
	startedAt, _ := time.Parse(timeLayout, started)
	_, err = s.db.ExecContext(ctx, `
		UPDATE tool_calls
		SET result = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, result, nullString(errMsg), now.Format(timeLayout), now.Sub(startedAt).Milliseconds(), id)
	if err != nil {
		return unavailable("complete tool call", err)
	}
	return nil
}

// ToolCalls returns recent tool calls, newest first. An empty
// conversationID returns calls from every conversation.
func (s *SQLiteStore) ToolCalls(ctx context.Context, conversationID string, limit int) ([]ToolCall, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, call_id, conversation_id, tool_name, arguments,
		       result, error, started_at, completed_at, duration_ms
		FROM tool_calls`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("tool calls", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var result, errMsg, completed sql.NullString
		var started string
		var durationMs sql.NullInt64
		if err := rows.Scan(&tc.ID, &tc.CallID, &tc.ConversationID, &tc.ToolName, &tc.Arguments,
			&result, &errMsg, &started, &completed, &durationMs); err != nil {
			return nil, unavailable("tool calls", err)
		}
		tc.Result = result.String
		tc.Error = errMsg.String
		tc.StartedAt, _ = time.Parse(timeLayout, started)
		if completed.Valid {
			t, _ := time.Parse(timeLayout, completed.String)
			tc.CompletedAt = &t
		}
		tc.DurationMs = durationMs.Int64
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

func encodeToolCalls(calls []llm.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
