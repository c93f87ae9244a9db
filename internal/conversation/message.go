// Package conversation holds chat state: messages, their token and
// price accounting, and the ledger operations that keep the two
// consistent under edits and truncation.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/llm"
)

// Role discriminates message variants. Each role uses a fixed subset
// of Message's fields, enforced by the constructors below.
type Role string

const (
	RoleUser          Role = "user"
	RoleAssistant     Role = "assistant"
	RoleToolResults   Role = "tool-results"
	RoleSystem        Role = "system"
	RoleSystemTitle   Role = "system-title"
	RoleSystemSummary Role = "system-summary"
	RoleTitle         Role = "title"
	RoleSummary       Role = "summary"
	RoleAccounting    Role = "accounting"
	RoleError         Role = "error"
)

// UsageTotals is a token/cost bucket, used both for conversation
// aggregates and for accounting nodes covering deleted ranges.
type UsageTotals struct {
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	Cost                float64 `json:"cost"`
}

// Add accumulates another bucket into this one.
func (u *UsageTotals) Add(other UsageTotals) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.Cost += other.Cost
}

// IsZero reports whether the bucket carries no tokens and no cost.
func (u UsageTotals) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheCreationTokens == 0 && u.Cost == 0
}

// totalsFromUsage converts raw API usage plus an optional cached
// price into a bucket.
func totalsFromUsage(usage llm.Usage, price *float64) UsageTotals {
	t := UsageTotals{
		InputTokens:         int64(usage.PromptTokens),
		OutputTokens:        int64(usage.CompletionTokens),
		CacheReadTokens:     int64(usage.CacheReadInputTokens),
		CacheCreationTokens: int64(usage.CacheCreationInputTokens),
	}
	if price != nil {
		t.Cost = *price
	}
	return t
}

// Aggregates is a conversation's derived token/price totals.
type Aggregates struct {
	Total    UsageTotals            `json:"total"`
	PerModel map[string]UsageTotals `json:"perModel"`
}

func newAggregates() Aggregates {
	return Aggregates{PerModel: make(map[string]UsageTotals)}
}

func (a *Aggregates) add(model string, t UsageTotals) {
	a.Total.Add(t)
	if model == "" {
		return
	}
	bucket := a.PerModel[model]
	bucket.Add(t)
	a.PerModel[model] = bucket
}

// ToolResult is one entry of a tool-results message.
type ToolResult struct {
	ToolCallID            string      `json:"toolCallId"`
	ToolName              string      `json:"toolName"`
	Result                any         `json:"result"`
	IncludeInContext      bool        `json:"includeInContext"`
	SubChatID             string      `json:"subChatId,omitempty"`
	WasProcessedBySubChat bool        `json:"wasProcessedBySubChat,omitempty"`
	SubChatCosts          *Aggregates `json:"subChatCosts,omitempty"`
}

// Message is a tagged variant over Role. Use the constructors; they
// set exactly the fields the role carries.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Turn      int       `json:"turn,omitempty"`

	// user, system*, title, summary, error: plain text.
	// assistant: plain text when Blocks is empty.
	Content string `json:"content,omitempty"`

	// assistant with structured content (text and tool_use blocks).
	Blocks []llm.ContentBlock `json:"blocks,omitempty"`

	// tool-results only.
	ToolResults []ToolResult `json:"toolResults,omitempty"`

	// Set on messages that came from an API exchange. Price is
	// computed once at append time and never recomputed, so history
	// keeps the rates that were in effect.
	Usage *llm.Usage `json:"usage,omitempty"`
	Model string     `json:"model,omitempty"`
	Price *float64   `json:"price,omitempty"`

	// accounting only: usage folded out of a deleted message range.
	Cumulative *UsageTotals `json:"cumulativeTokens,omitempty"`
	Reason     string       `json:"reason,omitempty"`

	// error only.
	ErrorType         string `json:"errorType,omitempty"`
	ErrorMessageIndex int    `json:"errorMessageIndex,omitempty"`
}

func newMessage(role Role) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a user message.
func NewUserMessage(text string) *Message {
	m := newMessage(RoleUser)
	m.Content = text
	return m
}

// NewSystemMessage creates the conversation's system prompt message.
func NewSystemMessage(prompt string) *Message {
	m := newMessage(RoleSystem)
	m.Content = prompt
	return m
}

// NewAssistantMessage creates an assistant message from an LLM
// response. A response that is pure text keeps Content; anything with
// tool_use blocks keeps the block list.
func NewAssistantMessage(blocks []llm.ContentBlock, model string, usage llm.Usage) *Message {
	m := newMessage(RoleAssistant)
	m.Model = model
	u := usage
	m.Usage = &u

	onlyText := true
	for _, b := range blocks {
		if b.Type != "text" {
			onlyText = false
			break
		}
	}
	if onlyText {
		for i, b := range blocks {
			if i > 0 {
				m.Content += "\n"
			}
			m.Content += b.Text
		}
	} else {
		m.Blocks = blocks
	}
	return m
}

// ToolUses returns the tool_use blocks of an assistant message.
func (m *Message) ToolUses() []llm.ContentBlock {
	var uses []llm.ContentBlock
	for _, b := range m.Blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text returns the display text of a message: Content, or the joined
// text blocks of a structured assistant message.
func (m *Message) Text() string {
	if m.Content != "" || len(m.Blocks) == 0 {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// NewToolResultsMessage creates a tool-results message.
func NewToolResultsMessage(results []ToolResult) *Message {
	m := newMessage(RoleToolResults)
	m.ToolResults = results
	return m
}

// NewAccountingMessage creates an accounting node covering usage that
// was removed from the live message list.
func NewAccountingMessage(model string, cumulative UsageTotals, reason string) *Message {
	m := newMessage(RoleAccounting)
	m.Model = model
	m.Cumulative = &cumulative
	m.Reason = reason
	return m
}

// NewErrorMessage creates a persisted error message. errorType drives
// the retry affordance ("rate_limit", "safety_limit", "llm_error",
// "mcp_error", "tool_error").
func NewErrorMessage(errorType, text string, messageIndex int) *Message {
	m := newMessage(RoleError)
	m.ErrorType = errorType
	m.Content = text
	m.ErrorMessageIndex = messageIndex
	return m
}

// NewTitleMessage records a generated conversation title.
func NewTitleMessage(title string) *Message {
	m := newMessage(RoleTitle)
	m.Content = title
	return m
}
