package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lumenchat/lumen/internal/llm"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT,
    parts TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_chat_sequence ON messages(chat_id, sequence);
`

// NewSQLiteStore opens (or creates) the chat database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id, userID string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats WHERE id = ? AND user_id = ?`, id, userID)

	var c Chat
	var title sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	if title.Valid {
		c.Title = title.String
	}
	return &c, nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string, limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT c.id, c.title,
		       (SELECT COUNT(*) FROM messages WHERE chat_id = c.id) as message_count,
		       c.created_at, c.updated_at
		FROM chats c
		WHERE c.user_id = ?
		ORDER BY c.updated_at DESC`
	query += fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var results []Summary
	for rows.Next() {
		var sum Summary
		var title sql.NullString
		if err := rows.Scan(&sum.ID, &title, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat summary: %w", err)
		}
		if title.Valid {
			sum.Title = title.String
		}
		results = append(results, sum)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id, userID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chat not found: %s", id)
	}
	return nil
}

// SaveMessages writes the turn's messages inside one transaction. The chat
// row is created on first write; message ids are upserted so a retried save
// never duplicates records.
func (s *SQLiteStore) SaveMessages(ctx context.Context, chatID, userID string, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	title := deriveTitle(messages)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			title = COALESCE(NULLIF(chats.title, ''), excluded.title)`,
		chatID, userID, title, now, now)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE chat_id = ?`, chatID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("get max sequence: %w", err)
	}
	next := 0
	if maxSeq.Valid {
		next = int(maxSeq.Int64) + 1
	}

	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = NewID()
		}
		msg.ChatID = chatID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.Sequence < 0 {
			msg.Sequence = next
			next++
		}

		partsJSON, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("serialize parts: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, role, content, parts, created_at, sequence)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				parts = excluded.parts`,
			msg.ID, chatID, string(msg.Role), msg.Content, string(partsJSON), msg.CreatedAt, msg.Sequence)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, parts, created_at, sequence
		FROM messages
		WHERE chat_id = ?
		ORDER BY sequence ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var content sql.NullString
		var partsJSON string
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &content, &partsJSON, &msg.CreatedAt, &msg.Sequence); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if content.Valid {
			msg.Content = content.String
		}
		if partsJSON != "" {
			if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
				return nil, fmt.Errorf("deserialize parts: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// deriveTitle picks a title from the first user message in the batch.
func deriveTitle(messages []*Message) string {
	for _, msg := range messages {
		if msg.Role == llm.RoleUser && msg.Content != "" {
			return TruncateTitle(msg.Content)
		}
	}
	return ""
}
