// Package optimizer builds the exact message array submitted to the
// LLM from a conversation's ledger: role filtering, context-window
// trimming, and cache-control hint placement.
package optimizer

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/llm"
)

// charsPerToken is the rough estimate used for context trimming when
// only byte sizes are known.
const charsPerToken = 4

// Built is the result of a build: the wire messages plus the index
// (into Messages) that should carry the cache-control marker, or -1.
type Built struct {
	Messages          []llm.Message
	CacheControlIndex int
}

// Builder converts ledgers into API message arrays.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a message builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger.With("component", "optimizer")}
}

// Build assembles the message array for one API call. The system
// prompt always leads, extraInstructions are appended to it. When the
// conversation has a context window configured (and is not a
// sub-conversation, which runs with optimizations off), the oldest
// exchanges are dropped until the estimate fits, never splitting an
// assistant tool call from its results. freezeCache pins the
// cache-control marker before the current turn's trailing messages so
// the cached prefix stays stable across tool iterations.
func (b *Builder) Build(conv *conversation.Conversation, freezeCache bool, extraInstructions string) Built {
	system := conv.SystemPrompt()
	if extraInstructions != "" {
		if system != "" {
			system += "\n\n"
		}
		system += extraInstructions
	}

	body := convertLedger(conv.Messages)

	if conv.Settings.ContextWindow > 0 && !conv.IsSubConversation() {
		budget := conv.Settings.ContextWindow * charsPerToken
		trimmed := trimOldest(body, budget)
		if len(trimmed) < len(body) {
			b.logger.Debug("trimmed context",
				"conversation_id", conv.ID,
				"dropped", len(body)-len(trimmed),
				"kept", len(trimmed),
			)
		}
		body = trimmed
	}

	var msgs []llm.Message
	if system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	msgs = append(msgs, body...)

	cacheIndex := -1
	if conv.Settings.CacheControl == "auto" && len(msgs) > 0 {
		cacheIndex = len(msgs) - 1
		if freezeCache {
			// Keep the marker on the last user message so the cached
			// prefix is identical for every call within the turn.
			for i := len(msgs) - 1; i >= 0; i-- {
				if msgs[i].Role == "user" {
					cacheIndex = i
					break
				}
			}
		}
	}

	return Built{Messages: msgs, CacheControlIndex: cacheIndex}
}

// convertLedger maps ledger messages to wire messages. Bookkeeping
// roles (accounting, titles, summaries, errors) never reach the API.
func convertLedger(messages []*conversation.Message) []llm.Message {
	var out []llm.Message
	for _, msg := range messages {
		switch msg.Role {
		case conversation.RoleUser:
			out = append(out, llm.Message{Role: "user", Content: msg.Content})

		case conversation.RoleAssistant:
			out = append(out, llm.Message{
				Role:    "assistant",
				Content: msg.Content,
				Blocks:  msg.Blocks,
			})

		case conversation.RoleSummary:
			// A summary replaces the messages it condensed; forward it
			// as user-visible context.
			out = append(out, llm.Message{Role: "user", Content: msg.Content})

		case conversation.RoleToolResults:
			for _, tr := range msg.ToolResults {
				if !tr.IncludeInContext {
					continue
				}
				out = append(out, llm.Message{
					Role:       "tool",
					ToolCallID: tr.ToolCallID,
					Content:    serializeResult(tr.Result),
				})
			}
		}
	}
	return out
}

// serializeResult renders a normalized tool result for the API.
// Strings pass through; everything else goes to compact JSON.
func serializeResult(result any) string {
	switch v := result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// trimOldest drops messages from the front until the character
// estimate fits the budget. The leading boundary is always advanced to
// a user message so an assistant tool call is never split from its
// results.
func trimOldest(msgs []llm.Message, budgetChars int) []llm.Message {
	total := 0
	for _, m := range msgs {
		total += messageSize(m)
	}

	start := 0
	for total > budgetChars && start < len(msgs)-1 {
		total -= messageSize(msgs[start])
		start++
	}
	// Never start mid-exchange.
	for start > 0 && start < len(msgs) && msgs[start].Role != "user" {
		total -= messageSize(msgs[start])
		start++
	}
	if start >= len(msgs) {
		// The budget cannot fit even the final exchange. Keep the last
		// exchange whole anyway: opening the window past its user
		// message would orphan tool results from their calls.
		start = 0
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == "user" {
				start = i
				break
			}
		}
	}
	return msgs[start:]
}

func messageSize(m llm.Message) int {
	size := len(m.Content)
	for _, b := range m.Blocks {
		size += len(b.Text) + len(b.Name)
		if b.Input != nil {
			if data, err := json.Marshal(b.Input); err == nil {
				size += len(data)
			}
		}
	}
	return size
}
