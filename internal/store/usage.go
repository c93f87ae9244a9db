package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one LLM exchange in the append-only usage ledger.
// The ledger survives conversation deletion and truncation, so spend
// reporting does not depend on live conversation state.
type UsageRecord struct {
	ID                  string
	Timestamp           time.Time
	ConversationID      string
	Model               string // "provider:model-id"
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
	Kind                string // "turn", "title", "subchat"
}

// UsageSummary holds aggregated token and cost totals.
type UsageSummary struct {
	TotalRecords        int
	TotalInputTokens    int64
	TotalOutputTokens   int64
	TotalCacheReadTok   int64
	TotalCacheCreateTok int64
	TotalCostUSD        float64
}

// UsageStore is the append-only ledger. Safe for concurrent use;
// SQLite serializes the writes.
type UsageStore struct {
	db *sql.DB
}

// NewUsageStore creates the ledger over the given database, creating
// its schema if needed.
func NewUsageStore(db *sql.DB) (*UsageStore, error) {
	s := &UsageStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *UsageStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id                    TEXT PRIMARY KEY,
		timestamp             TEXT NOT NULL,
		conversation_id       TEXT,
		model                 TEXT NOT NULL,
		input_tokens          INTEGER NOT NULL,
		output_tokens         INTEGER NOT NULL,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd              REAL NOT NULL,
		kind                  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a usage record. An empty ID gets a time-ordered UUID.
func (s *UsageStore) Record(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, conversation_id, model, input_tokens, output_tokens,
			 cache_read_tokens, cache_creation_tokens, cost_usd, kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.ConversationID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheReadTokens,
		rec.CacheCreationTokens,
		rec.CostUSD,
		rec.Kind,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *UsageStore) Summary(start, end time.Time) (*UsageSummary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum UsageSummary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalCacheReadTok, &sum.TotalCacheCreateTok, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals within [start, end), most
// expensive model first.
func (s *UsageStore) SummaryByModel(start, end time.Time) (map[string]*UsageSummary, error) {
	rows, err := s.db.Query(
		`SELECT model, COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY model
		 ORDER BY SUM(cost_usd) DESC`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*UsageSummary)
	for rows.Next() {
		var model string
		var sum UsageSummary
		if err := rows.Scan(&model, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens,
			&sum.TotalCacheReadTok, &sum.TotalCacheCreateTok, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		result[model] = &sum
	}
	return result, rows.Err()
}
