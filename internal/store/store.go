// Package store persists conversations and the append-only usage
// ledger in SQLite. The production binary opens the database with the
// CGO sqlite3 driver; tests inject an in-memory database, so the
// store itself only ever sees a *sql.DB.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parleyhq/parley/internal/conversation"
)

// Open opens the on-disk database used by the daemon. WAL keeps
// concurrent reads cheap; the busy timeout rides out persist bursts.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Store persists conversations. It implements conversation.Persister.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a store over the given database, creating the schema if
// needed.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		title      TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		turn       INTEGER NOT NULL DEFAULT 0,
		settings   TEXT NOT NULL,
		totals     TEXT NOT NULL,
		messages   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Persist upserts a conversation. Settings, totals, and the full
// message list are stored as JSON; the ledger is the source of truth
// and rows are always replaced whole.
func (s *Store) Persist(conv *conversation.Conversation) error {
	settings, err := json.Marshal(conv.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	totals, err := json.Marshal(conv.Totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO conversations (id, title, created_at, updated_at, turn, settings, totals, messages)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			turn = excluded.turn,
			settings = excluded.settings,
			totals = excluded.totals,
			messages = excluded.messages`,
		conv.ID,
		conv.Title,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
		conv.Turn,
		string(settings),
		string(totals),
		string(messages),
	)
	if err != nil {
		return fmt.Errorf("persist conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Delete removes a conversation row.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// LoadAll restores every stored conversation, most recently updated
// first. Rows that fail to decode are skipped with a logged error so
// one corrupt row cannot block startup.
func (s *Store) LoadAll() ([]*conversation.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, title, created_at, updated_at, turn, settings, totals, messages
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Conversation
	for rows.Next() {
		var (
			conv                       conversation.Conversation
			createdAt, updatedAt       string
			settings, totals, messages string
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &createdAt, &updatedAt, &conv.Turn,
			&settings, &totals, &messages); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}

		if err := s.decode(&conv, createdAt, updatedAt, settings, totals, messages); err != nil {
			s.logger.Error("skipping undecodable conversation", "conversation_id", conv.ID, "error", err)
			continue
		}
		out = append(out, &conv)
	}
	return out, rows.Err()
}

func (s *Store) decode(conv *conversation.Conversation, createdAt, updatedAt, settings, totals, messages string) error {
	var err error
	if conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &conv.Settings); err != nil {
		return fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal([]byte(totals), &conv.Totals); err != nil {
		return fmt.Errorf("unmarshal totals: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
		return fmt.Errorf("unmarshal messages: %w", err)
	}
	return nil
}
