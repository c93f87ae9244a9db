package subchat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/llm"
)

func newParent(t *testing.T, convs *conversation.Manager, toolSummarization bool) *conversation.Conversation {
	t.Helper()
	return convs.Create(conversation.Settings{
		Model:             "anthropic:claude-sonnet-4-5",
		ToolSummarization: toolSummarization,
		CacheControl:      "auto",
	})
}

func TestShouldDelegate(t *testing.T) {
	convs := conversation.NewManager(nil, nil, nil)

	tests := []struct {
		name        string
		cfg         Config
		subConv     bool
		summarize   bool
		resultBytes int
		want        bool
	}{
		{"above threshold", Config{Enabled: true, ThresholdKB: 20}, false, true, 21 * 1024, true},
		{"below threshold", Config{Enabled: true, ThresholdKB: 20}, false, true, 20 * 1024, false},
		{"zero threshold always", Config{Enabled: true, ThresholdKB: 0}, false, true, 1, true},
		{"disabled feature", Config{Enabled: false, ThresholdKB: 0}, false, true, 1 << 20, false},
		{"summarization off", Config{Enabled: true, ThresholdKB: 0}, false, false, 1 << 20, false},
		{"sub-conversation never", Config{Enabled: true, ThresholdKB: 0}, true, true, 1 << 20, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.cfg, convs, nil, nil)
			parent := newParent(t, convs, tt.summarize)
			if tt.subConv {
				parent.ParentConversationID = "grandparent"
			}
			if got := m.ShouldDelegate(parent, tt.resultBytes); got != tt.want {
				t.Errorf("ShouldDelegate = %v, want %v", got, tt.want)
			}
		})
	}
}

// scriptedRunner plays the orchestrator: it appends a final assistant
// message (or not) and records which conversation it saw.
type scriptedRunner struct {
	convs     *conversation.Manager
	answer    string
	err       error
	ranConvID string
}

func (r *scriptedRunner) RunToCompletion(_ context.Context, conv *conversation.Conversation) error {
	r.ranConvID = conv.ID
	if r.err != nil {
		return r.err
	}
	if r.answer != "" {
		msg := conversation.NewAssistantMessage([]llm.ContentBlock{llm.TextBlock(r.answer)},
			conv.Settings.Model, llm.Usage{PromptTokens: 1000, CompletionTokens: 100})
		price := 0.5
		msg.Price = &price
		r.convs.Append(conv.ID, msg)
	}
	return nil
}

func bigCall() llm.ContentBlock {
	return llm.ToolUseBlock("call_7", "dump_logs", map[string]any{
		"path":            "/var/log",
		"tool_purpose":    "find panics",
		"expected_format": "text",
	})
}

func TestDelegateSeedsChild(t *testing.T) {
	convs := conversation.NewManager(nil, nil, nil)
	m := NewManager(Config{Enabled: true}, convs, nil, nil)
	runner := &scriptedRunner{convs: convs, answer: "two panics in kernel.log"}
	m.SetRunner(runner)
	parent := newParent(t, convs, true)

	out, err := m.Delegate(t.Context(), parent, bigCall(), strings.Repeat("x", 100))
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if !out.Processed || out.Text != "two panics in kernel.log" {
		t.Fatalf("outcome = %+v", out)
	}

	child := convs.Get(out.SubChatID)
	if child == nil {
		t.Fatal("child conversation not registered")
	}
	if child.ParentConversationID != parent.ID || child.ParentToolCallID != "call_7" {
		t.Errorf("parent linkage = %q/%q", child.ParentConversationID, child.ParentToolCallID)
	}
	if child.Settings.ToolSummarization || child.Settings.AutoSummarization || child.Settings.ToolMemory {
		t.Error("optimizations not disabled on child")
	}
	if child.Settings.CacheControl != "auto" {
		t.Error("cache control not inherited")
	}

	// Seed shape: system, user brief, assistant replay, tool-results,
	// then the runner's final answer.
	roles := make([]conversation.Role, 0, len(child.Messages))
	for _, msg := range child.Messages {
		roles = append(roles, msg.Role)
	}
	want := []conversation.Role{
		conversation.RoleSystem,
		conversation.RoleUser,
		conversation.RoleAssistant,
		conversation.RoleToolResults,
		conversation.RoleAssistant,
	}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	if !strings.Contains(child.Messages[1].Content, "find panics") {
		t.Errorf("brief missing metadata: %q", child.Messages[1].Content)
	}

	replay := child.Messages[2].ToolUses()
	if len(replay) != 1 || replay[0].ID != "call_7" {
		t.Fatalf("replayed calls = %+v", replay)
	}
	if _, hasMeta := replay[0].Input["tool_purpose"]; hasMeta {
		t.Error("metadata leaked into replayed tool arguments")
	}
	if replay[0].Input["path"] != "/var/log" {
		t.Errorf("real argument lost: %+v", replay[0].Input)
	}
}

func TestDelegateFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		runner *scriptedRunner
	}{
		{"no assistant text", &scriptedRunner{}},
		{"run error", &scriptedRunner{err: errors.New("llm down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			convs := conversation.NewManager(nil, nil, nil)
			tt.runner.convs = convs
			m := NewManager(Config{Enabled: true}, convs, nil, nil)
			m.SetRunner(tt.runner)
			parent := newParent(t, convs, true)

			out, err := m.Delegate(t.Context(), parent, bigCall(), "original")
			if err != nil {
				t.Fatalf("fallback must not be an error, got %v", err)
			}
			if out.Processed {
				t.Error("outcome marked processed")
			}
			if out.SubChatID == "" {
				t.Error("sub-chat id missing on fallback")
			}
		})
	}
}

func TestAttachCostsFoldsOnce(t *testing.T) {
	convs := conversation.NewManager(nil, nil, nil)
	m := NewManager(Config{Enabled: true}, convs, nil, nil)
	runner := &scriptedRunner{convs: convs, answer: "summary"}
	m.SetRunner(runner)
	parent := newParent(t, convs, true)

	out, err := m.Delegate(t.Context(), parent, bigCall(), "huge")
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	costBefore := parent.Totals.Total.Cost

	// Parent appends its tool-results message referencing the
	// delegation, then costs attach.
	convs.Append(parent.ID, conversation.NewToolResultsMessage([]conversation.ToolResult{{
		ToolCallID:            "call_7",
		ToolName:              "dump_logs",
		Result:                out.Text,
		IncludeInContext:      true,
		SubChatID:             out.SubChatID,
		WasProcessedBySubChat: true,
	}}))
	m.AttachCosts(parent.ID, "call_7")

	child := convs.Get(out.SubChatID)
	wantCost := costBefore + child.Totals.Total.Cost
	if parent.Totals.Total.Cost != wantCost {
		t.Errorf("parent cost = %v, want %v", parent.Totals.Total.Cost, wantCost)
	}
	if parent.Totals.Total.InputTokens != child.Totals.Total.InputTokens {
		t.Errorf("parent input tokens = %d, want child's %d folded in",
			parent.Totals.Total.InputTokens, child.Totals.Total.InputTokens)
	}

	// Recomputing again must not double-count.
	parent.Recompute()
	if parent.Totals.Total.Cost != wantCost {
		t.Errorf("cost after second recompute = %v, want %v", parent.Totals.Total.Cost, wantCost)
	}

	perModel := parent.Totals.PerModel["anthropic:claude-sonnet-4-5"]
	if perModel.OutputTokens != 100 {
		t.Errorf("per-model output tokens = %d, want 100", perModel.OutputTokens)
	}
}
