package store

import (
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/llm"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testDB(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func sampleConversation(title string) *conversation.Conversation {
	conv := conversation.New(conversation.Settings{
		Model:         "anthropic:claude-sonnet-4-5",
		MaxTokens:     4096,
		ContextWindow: 200000,
		CacheControl:  "auto",
	})
	conv.Title = title
	conv.Turn = 2

	usage := llm.Usage{PromptTokens: 120, CompletionTokens: 40}
	conv.Messages = append(conv.Messages,
		conversation.NewUserMessage("what is the CPU load?"),
		conversation.NewAssistantMessage(
			[]llm.ContentBlock{llm.TextBlock("about 42%")},
			"anthropic:claude-sonnet-4-5", usage),
	)
	conv.Totals.Total.InputTokens = 120
	conv.Totals.Total.OutputTokens = 40
	conv.Totals.Total.Cost = 0.25
	return conv
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	s := testStore(t)

	conv := sampleConversation("cpu question")
	if err := s.Persist(conv); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(loaded))
	}

	got := loaded[0]
	if got.ID != conv.ID {
		t.Errorf("ID = %q, want %q", got.ID, conv.ID)
	}
	if got.Title != "cpu question" {
		t.Errorf("Title = %q, want %q", got.Title, "cpu question")
	}
	if got.Turn != 2 {
		t.Errorf("Turn = %d, want 2", got.Turn)
	}
	if got.Settings.Model != "anthropic:claude-sonnet-4-5" {
		t.Errorf("Settings.Model = %q", got.Settings.Model)
	}
	if got.Settings.CacheControl != "auto" {
		t.Errorf("Settings.CacheControl = %q, want auto", got.Settings.CacheControl)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != conversation.RoleUser {
		t.Errorf("first message role = %q", got.Messages[0].Role)
	}
	asst := got.Messages[1]
	if asst.Usage == nil || asst.Usage.PromptTokens != 120 {
		t.Errorf("assistant usage not restored: %+v", asst.Usage)
	}
	if got.Totals.Total.Cost != 0.25 {
		t.Errorf("Totals.Total.Cost = %v, want 0.25", got.Totals.Total.Cost)
	}
}

func TestPersistUpsertsExistingRow(t *testing.T) {
	s := testStore(t)

	conv := sampleConversation("first title")
	if err := s.Persist(conv); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	conv.Title = "second title"
	conv.Turn = 3
	conv.UpdatedAt = conv.UpdatedAt.Add(time.Second)
	if err := s.Persist(conv); err != nil {
		t.Fatalf("Persist (update): %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 conversation after upsert, got %d", len(loaded))
	}
	if loaded[0].Title != "second title" || loaded[0].Turn != 3 {
		t.Errorf("upsert not applied: title=%q turn=%d", loaded[0].Title, loaded[0].Turn)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	conv := sampleConversation("doomed")
	if err := s.Persist(conv); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := s.Delete(conv.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty store after delete, got %d", len(loaded))
	}

	// Deleting a missing row is not an error.
	if err := s.Delete("no-such-id"); err != nil {
		t.Errorf("Delete of missing row: %v", err)
	}
}

func TestLoadAllOrdersByUpdatedAt(t *testing.T) {
	s := testStore(t)

	old := sampleConversation("old")
	old.UpdatedAt = time.Now().Add(-time.Hour)
	recent := sampleConversation("recent")
	recent.UpdatedAt = time.Now()

	if err := s.Persist(old); err != nil {
		t.Fatalf("Persist old: %v", err)
	}
	if err := s.Persist(recent); err != nil {
		t.Fatalf("Persist recent: %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(loaded))
	}
	if loaded[0].Title != "recent" || loaded[1].Title != "old" {
		t.Errorf("order = [%q, %q], want [recent, old]", loaded[0].Title, loaded[1].Title)
	}
}

func TestLoadAllSkipsCorruptRow(t *testing.T) {
	db := testDB(t)
	s, err := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	good := sampleConversation("good")
	if err := s.Persist(good); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	_, err = db.Exec(
		`INSERT INTO conversations (id, title, created_at, updated_at, turn, settings, totals, messages)
		 VALUES ('corrupt', 'bad', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', 0, 'not json', '{}', '[]')`)
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Title != "good" {
		t.Fatalf("expected only the good conversation, got %d rows", len(loaded))
	}
}
