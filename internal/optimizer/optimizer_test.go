package optimizer

import (
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/llm"
)

func buildConv(t *testing.T, settings conversation.Settings) *conversation.Conversation {
	t.Helper()
	c := conversation.New(settings)
	c.Append(conversation.NewSystemMessage("you are a helper"))
	return c
}

func TestBuildSystemFirstWithExtras(t *testing.T) {
	c := buildConv(t, conversation.Settings{})
	c.Append(conversation.NewUserMessage("hi"))

	built := NewBuilder(nil).Build(c, false, "answer briefly")

	if len(built.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(built.Messages))
	}
	if built.Messages[0].Role != "system" {
		t.Errorf("first role = %q, want system", built.Messages[0].Role)
	}
	if !strings.Contains(built.Messages[0].Content, "you are a helper") ||
		!strings.Contains(built.Messages[0].Content, "answer briefly") {
		t.Errorf("system content = %q", built.Messages[0].Content)
	}
	if built.CacheControlIndex != -1 {
		t.Errorf("cache index = %d, want -1 without cache control", built.CacheControlIndex)
	}
}

func TestBuildFiltersBookkeepingRoles(t *testing.T) {
	c := buildConv(t, conversation.Settings{})
	c.Append(conversation.NewUserMessage("q"))
	c.Append(conversation.NewAccountingMessage("m", conversation.UsageTotals{InputTokens: 5}, "trim"))
	c.Append(conversation.NewTitleMessage("My Chat"))
	c.Append(conversation.NewErrorMessage("llm_error", "boom", 1))
	c.Append(conversation.NewToolResultsMessage([]conversation.ToolResult{
		{ToolCallID: "c1", ToolName: "a", Result: "kept", IncludeInContext: true},
		{ToolCallID: "c2", ToolName: "b", Result: "hidden", IncludeInContext: false},
	}))

	built := NewBuilder(nil).Build(c, false, "")

	var roles []string
	for _, m := range built.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"system", "user", "tool"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if built.Messages[2].Content != "kept" || built.Messages[2].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", built.Messages[2])
	}
}

func TestBuildSerializesStructuredResults(t *testing.T) {
	c := buildConv(t, conversation.Settings{})
	c.Append(conversation.NewToolResultsMessage([]conversation.ToolResult{
		{ToolCallID: "c1", ToolName: "a", Result: map[string]any{"cpu": 42}, IncludeInContext: true},
	}))

	built := NewBuilder(nil).Build(c, false, "")

	got := built.Messages[1].Content
	if got != `{"cpu":42}` {
		t.Errorf("serialized result = %q", got)
	}
}

func TestBuildCacheControlIndex(t *testing.T) {
	c := buildConv(t, conversation.Settings{CacheControl: "auto"})
	c.Append(conversation.NewUserMessage("question"))
	c.Append(conversation.NewAssistantMessage([]llm.ContentBlock{
		llm.ToolUseBlock("c1", "lookup", nil),
	}, "m", llm.Usage{}))
	c.Append(conversation.NewToolResultsMessage([]conversation.ToolResult{
		{ToolCallID: "c1", ToolName: "lookup", Result: "ok", IncludeInContext: true},
	}))

	moving := NewBuilder(nil).Build(c, false, "")
	if moving.CacheControlIndex != len(moving.Messages)-1 {
		t.Errorf("unfrozen cache index = %d, want last (%d)", moving.CacheControlIndex, len(moving.Messages)-1)
	}

	frozen := NewBuilder(nil).Build(c, true, "")
	if frozen.Messages[frozen.CacheControlIndex].Role != "user" {
		t.Errorf("frozen cache index %d points at %q, want the last user message",
			frozen.CacheControlIndex, frozen.Messages[frozen.CacheControlIndex].Role)
	}
}

func TestBuildTrimsOldestKeepingPairs(t *testing.T) {
	c := buildConv(t, conversation.Settings{ContextWindow: 50}) // 200-char budget
	filler := strings.Repeat("x", 120)
	c.Append(conversation.NewUserMessage(filler))
	c.Append(conversation.NewAssistantMessage([]llm.ContentBlock{
		llm.ToolUseBlock("c1", "lookup", nil),
	}, "m", llm.Usage{}))
	c.Append(conversation.NewToolResultsMessage([]conversation.ToolResult{
		{ToolCallID: "c1", ToolName: "lookup", Result: filler, IncludeInContext: true},
	}))
	c.Append(conversation.NewUserMessage("latest question"))

	built := NewBuilder(nil).Build(c, false, "")

	// The orphaned assistant/tool pair must not survive without its
	// leading user message.
	for _, m := range built.Messages[1:] {
		if m.Role == "tool" {
			t.Errorf("trim split a tool pair from its user message: %v", m)
		}
	}
	last := built.Messages[len(built.Messages)-1]
	if last.Content != "latest question" {
		t.Errorf("latest user message dropped, last = %+v", last)
	}
}

func TestBuildTinyWindowKeepsLastExchangeWhole(t *testing.T) {
	// A budget too small for even the final exchange must not open the
	// window on a tool result whose call was trimmed away.
	c := buildConv(t, conversation.Settings{ContextWindow: 10}) // 40-char budget
	c.Append(conversation.NewUserMessage("please check the disks on every host"))
	c.Append(conversation.NewAssistantMessage([]llm.ContentBlock{
		llm.ToolUseBlock("c1", "lookup", map[string]any{"target": "all"}),
	}, "m", llm.Usage{}))
	c.Append(conversation.NewToolResultsMessage([]conversation.ToolResult{
		{ToolCallID: "c1", ToolName: "lookup", Result: strings.Repeat("z", 200), IncludeInContext: true},
	}))

	built := NewBuilder(nil).Build(c, false, "")

	if len(built.Messages) < 2 {
		t.Fatalf("got %d messages, want system plus the full exchange", len(built.Messages))
	}
	if built.Messages[1].Role != "user" {
		t.Errorf("window opens on %q, want the user message", built.Messages[1].Role)
	}
	calls := map[string]bool{}
	for _, m := range built.Messages {
		for _, b := range m.Blocks {
			if b.Type == "tool_use" {
				calls[b.ID] = true
			}
		}
	}
	for _, m := range built.Messages {
		if m.Role == "tool" && !calls[m.ToolCallID] {
			t.Errorf("tool result %s survived without its call", m.ToolCallID)
		}
	}
}

func TestBuildSubConversationNoTrimming(t *testing.T) {
	c := buildConv(t, conversation.Settings{ContextWindow: 1})
	c.ParentConversationID = "parent"
	big := strings.Repeat("y", 500)
	c.Append(conversation.NewUserMessage(big))
	c.Append(conversation.NewUserMessage(big))

	built := NewBuilder(nil).Build(c, false, "")

	if len(built.Messages) != 3 {
		t.Errorf("sub-conversation was trimmed: %d messages, want 3", len(built.Messages))
	}
}
