package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Settings is a conversation's model and optimization configuration.
type Settings struct {
	Model             string  `json:"model"` // "provider:model-id"
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"topP,omitempty"`
	MaxTokens         int     `json:"maxTokens,omitempty"`
	ContextWindow     int     `json:"contextWindow,omitempty"`
	ToolSummarization bool    `json:"toolSummarization"`
	AutoSummarization bool    `json:"autoSummarization"`
	ToolMemory        bool    `json:"toolMemory"`
	CacheControl      string  `json:"cacheControl,omitempty"` // "" or "auto"
	GenerateTitles    bool    `json:"generateTitles"`
}

// Conversation is one ledger of messages plus configuration and
// derived aggregates. Sub-conversations carry parent linkage and are
// never persisted as history in their own right.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Settings  Settings   `json:"settings"`
	Totals    Aggregates `json:"totals"`
	Turn      int        `json:"turn"`

	ParentConversationID string `json:"parentConversationId,omitempty"`
	ParentToolCallID     string `json:"parentToolCallId,omitempty"`

	// mu guards the message ledger and the transient processing
	// flags. The processing loop is the only mutator, but the
	// debounced persist runs on a timer goroutine and reads Messages
	// concurrently with appends.
	mu         sync.Mutex
	processing bool
	stopFlag   bool
}

// New creates a conversation with a v7 (time-ordered) ID.
func New(settings Settings) *Conversation {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now := time.Now()
	return &Conversation{
		ID:        id.String(),
		CreatedAt: now,
		UpdatedAt: now,
		Settings:  settings,
		Totals:    newAggregates(),
	}
}

// IsSubConversation reports whether this conversation was created to
// process a parent's oversized tool result.
func (c *Conversation) IsSubConversation() bool {
	return c.ParentConversationID != ""
}

// SetProcessing marks the conversation as having a turn in flight.
// Starting a turn clears any stale stop request.
func (c *Conversation) SetProcessing(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processing = on
	if on {
		c.stopFlag = false
	}
}

// IsProcessing reports whether a turn is in flight.
func (c *Conversation) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// RequestStop sets the cooperative stop flag. It does not interrupt
// an in-flight LLM or tool call; the loop checks it at iteration
// boundaries.
func (c *Conversation) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopFlag = true
}

// ShouldStop reports whether a stop has been requested.
func (c *Conversation) ShouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopFlag
}

// ClearStop resets the stop flag, used by the "continue" affordance.
func (c *Conversation) ClearStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopFlag = false
}

// Edit runs fn while holding the ledger lock. Out-of-band edits to
// message contents (as opposed to the Append/Insert/Remove/Truncate
// operations, which lock for themselves) must go through it so a
// concurrent persist never snapshots a half-applied change.
func (c *Conversation) Edit(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// LastMessage returns the final message, or nil when empty.
func (c *Conversation) LastMessage() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// SystemPrompt returns the content of the conversation's system
// message, or empty if none exists yet.
func (c *Conversation) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.Messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// LastAssistantText returns the text of the most recent assistant
// message, or empty if there is none.
func (c *Conversation) LastAssistantText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i].Text()
		}
	}
	return ""
}
