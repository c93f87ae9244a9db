// Package llm provides LLM client implementations.
package llm

import (
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Usage carries token counts for a single request/response pair.
// Cache buckets are zero for providers without prompt caching.
type Usage struct {
	PromptTokens             int `json:"promptTokens"`
	CompletionTokens         int `json:"completionTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens,omitempty"`
}

// Add accumulates another usage into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
}

// ContentBlock is one element of an assistant message's content: plain
// text or a tool-use request. Wire-format conversion happens at the
// provider boundaries (anthropic.go, openai.go).
type ContentBlock struct {
	Type  string         `json:"type"` // "text" or "tool_use"
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// TextBlock constructs a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolUseBlock constructs a tool-use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

// Message represents a chat message submitted to the LLM.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
	// Blocks carries assistant content blocks when the message mixes
	// text and tool_use. When set, Content is ignored for assistants.
	Blocks []ContentBlock `json:"blocks,omitempty"`
	// ToolCallID correlates a role-"tool" message with the tool_use
	// block it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a callable tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a provider-neutral chat completion request.
type Request struct {
	// Model is the bare model identifier (provider prefix already
	// stripped by MultiClient).
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	TopP        float64
	MaxTokens   int

	// CacheControlMode selects the prompt-caching hint: "" (off) or
	// "auto". CacheControlIndex is the message index the provider may
	// mark as a cache point; -1 means none.
	CacheControlMode  string
	CacheControlIndex int
}

// Response is the unified response from any LLM provider.
type Response struct {
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      Usage

	// ResponseTime is the wall-clock duration of the provider call.
	ResponseTime time.Duration
}

// Text returns the concatenated text blocks of the response.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the response, in order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// SplitModel splits a "provider:model-id" string. Model identifiers may
// themselves contain colons (e.g. ollama tags), so only the first colon
// separates. A string without a provider prefix returns provider "".
func SplitModel(s string) (provider, model string) {
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
