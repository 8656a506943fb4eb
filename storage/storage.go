// Package storage archives conversation transcripts and first-contact
// records in SQLite. The archive is optional: when no database path is
// configured the agent runs purely in memory, and every storage failure
// is logged and swallowed so it can never surface to a chat user.
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message is one archived transcript row.
type Message struct {
	ID             int64
	ConversationID string
	SenderID       string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Storage wraps the SQLite archive.
type Storage struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and prepares the schema.
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[OK] Storage: database %s", dbPath)
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS contacts (
		sender_id TEXT PRIMARY KEY,
		first_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// AddMessage appends one transcript row.
func (s *Storage) AddMessage(conversationID, senderID, role, content string) error {
	_, err := s.db.Exec(
		"INSERT INTO messages (conversation_id, sender_id, role, content) VALUES (?, ?, ?, ?)",
		conversationID, senderID, role, content,
	)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// GetMessages returns the most recent limit rows for a conversation,
// oldest first. limit <= 0 returns everything.
func (s *Storage) GetMessages(conversationID string, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, role, content, created_at
		FROM (
			SELECT id, conversation_id, sender_id, role, content, created_at
			FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearMessages drops a conversation's transcript.
func (s *Storage) ClearMessages(conversationID string) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// MarkContact records that a sender has been greeted. Idempotent.
func (s *Storage) MarkContact(senderID string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO contacts (sender_id) VALUES (?)", senderID,
	)
	if err != nil {
		return fmt.Errorf("mark contact: %w", err)
	}
	return nil
}

// HasContact reports whether a sender has been greeted before.
func (s *Storage) HasContact(senderID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM contacts WHERE sender_id = ?", senderID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has contact: %w", err)
	}
	return n > 0, nil
}

// Stats returns total archived messages and known contacts.
func (s *Storage) Stats() (messages, contacts int64, err error) {
	if err = s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	if err = s.db.QueryRow("SELECT COUNT(*) FROM contacts").Scan(&contacts); err != nil {
		return 0, 0, fmt.Errorf("count contacts: %w", err)
	}
	return messages, contacts, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}
