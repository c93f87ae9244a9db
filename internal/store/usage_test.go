package store

import (
	"testing"
	"time"
)

func testUsageStore(t *testing.T) *UsageStore {
	t.Helper()
	s, err := NewUsageStore(testDB(t))
	if err != nil {
		t.Fatalf("NewUsageStore: %v", err)
	}
	return s
}

func TestRecordAndSummary(t *testing.T) {
	s := testUsageStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	records := []UsageRecord{
		{
			Timestamp:       now,
			ConversationID:  "conv-1",
			Model:           "anthropic:claude-sonnet-4-5",
			InputTokens:     1000,
			OutputTokens:    200,
			CacheReadTokens: 500,
			CostUSD:         0.015,
			Kind:            "turn",
		},
		{
			Timestamp:      now.Add(time.Minute),
			ConversationID: "conv-1",
			Model:          "openai:gpt-4.1-mini",
			InputTokens:    300,
			OutputTokens:   20,
			CostUSD:        0.001,
			Kind:           "title",
		},
	}
	for _, rec := range records {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 1300 {
		t.Errorf("TotalInputTokens = %d, want 1300", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 220 {
		t.Errorf("TotalOutputTokens = %d, want 220", sum.TotalOutputTokens)
	}
	if sum.TotalCacheReadTok != 500 {
		t.Errorf("TotalCacheReadTok = %d, want 500", sum.TotalCacheReadTok)
	}
	if got, want := sum.TotalCostUSD, 0.016; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("TotalCostUSD = %v, want %v", got, want)
	}
}

func TestSummaryWindowExcludesEnd(t *testing.T) {
	s := testUsageStore(t)
	ctx := t.Context()
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	inside := UsageRecord{Timestamp: cutoff.Add(-time.Minute), Model: "anthropic:claude-sonnet-4-5", InputTokens: 10, Kind: "turn"}
	atEnd := UsageRecord{Timestamp: cutoff, Model: "anthropic:claude-sonnet-4-5", InputTokens: 99, Kind: "turn"}
	for _, rec := range []UsageRecord{inside, atEnd} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(cutoff.Add(-time.Hour), cutoff)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 || sum.TotalInputTokens != 10 {
		t.Errorf("window [start, end) not respected: records=%d input=%d", sum.TotalRecords, sum.TotalInputTokens)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testUsageStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	for range 3 {
		if err := s.Record(ctx, UsageRecord{
			Timestamp: now, Model: "anthropic:claude-sonnet-4-5",
			InputTokens: 100, OutputTokens: 10, CostUSD: 0.25, Kind: "turn",
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Record(ctx, UsageRecord{
		Timestamp: now, Model: "openai:gpt-4.1-mini",
		InputTokens: 50, OutputTokens: 5, CostUSD: 0.125, Kind: "subchat",
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	byModel, err := s.SummaryByModel(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 {
		t.Fatalf("expected 2 models, got %d", len(byModel))
	}

	sonnet := byModel["anthropic:claude-sonnet-4-5"]
	if sonnet == nil || sonnet.TotalRecords != 3 || sonnet.TotalInputTokens != 300 {
		t.Errorf("sonnet summary wrong: %+v", sonnet)
	}
	mini := byModel["openai:gpt-4.1-mini"]
	if mini == nil || mini.TotalRecords != 1 || mini.TotalCostUSD != 0.125 {
		t.Errorf("mini summary wrong: %+v", mini)
	}
}

func TestRecordGeneratesID(t *testing.T) {
	s := testUsageStore(t)
	ctx := t.Context()

	if err := s.Record(ctx, UsageRecord{Model: "anthropic:claude-sonnet-4-5", Kind: "turn"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, UsageRecord{Model: "anthropic:claude-sonnet-4-5", Kind: "turn"}); err != nil {
		t.Fatalf("Record (second): %v", err)
	}

	var ids []string
	rows, err := s.db.Query(`SELECT id FROM usage_records`)
	if err != nil {
		t.Fatalf("query ids: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan id: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 2 || ids[0] == "" || ids[0] == ids[1] {
		t.Errorf("expected two distinct generated IDs, got %v", ids)
	}
}
