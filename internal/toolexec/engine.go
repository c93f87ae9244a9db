// Package toolexec executes the tool calls requested by an assistant
// response: sequential execution, result normalization, delegation of
// oversized results, and per-call error isolation.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/mcp"
)

// Backend invokes tools and describes them to the LLM. Implemented by
// mcp.Registry.
type Backend interface {
	CallTool(ctx context.Context, name string, args map[string]any) ([]mcp.ContentBlock, error)
	Specs() []llm.ToolSpec
}

// Delegation is the outcome of handing an oversized result to a
// sub-conversation.
type Delegation struct {
	SubChatID string
	Text      string
	// Processed is false when the sub-conversation produced no usable
	// answer and the original result must be used instead. That is a
	// fallback, not an error.
	Processed bool
}

// Delegator decides on and performs sub-conversation delegation.
// Implemented by subchat.Manager.
type Delegator interface {
	ShouldDelegate(parent *conversation.Conversation, resultBytes int) bool
	Delegate(ctx context.Context, parent *conversation.Conversation, call llm.ContentBlock, normalized any) (Delegation, error)
}

// Engine runs tool call batches. Calls execute sequentially: ordering
// keeps the presentation stream coherent and avoids hammering rate
// limits.
type Engine struct {
	backend   Backend
	delegator Delegator
	bus       *events.Bus
	logger    *slog.Logger
}

// NewEngine creates a tool execution engine. delegator and bus may be
// nil, disabling delegation and events respectively.
func NewEngine(backend Backend, delegator Delegator, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:   backend,
		delegator: delegator,
		bus:       bus,
		logger:    logger.With("component", "toolexec"),
	}
}

// Execute runs every tool_use block in order and returns one result
// record per executed call, same order. Calls without an ID are
// dropped with a logged error, never executed. A failure in one call
// becomes an error record; the rest of the batch still runs.
func (e *Engine) Execute(ctx context.Context, conv *conversation.Conversation, calls []llm.ContentBlock) []conversation.ToolResult {
	results := make([]conversation.ToolResult, 0, len(calls))

	for _, call := range calls {
		if call.Type != "tool_use" {
			continue
		}
		if call.ID == "" {
			e.logger.Error("dropping tool call without id", "tool", call.Name, "conversation_id", conv.ID)
			continue
		}
		results = append(results, e.executeOne(ctx, conv, call))
	}

	return results
}

func (e *Engine) executeOne(ctx context.Context, conv *conversation.Conversation, call llm.ContentBlock) conversation.ToolResult {
	e.bus.Emit(events.SourceTools, events.KindToolCall, map[string]any{
		"conversation_id": conv.ID,
		"tool_call_id":    call.ID,
		"tool":            call.Name,
	})

	start := time.Now()
	record, err := e.run(ctx, conv, call)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("tool call failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		record = conversation.ToolResult{
			ToolCallID:       call.ID,
			ToolName:         call.Name,
			Result:           map[string]any{"error": fmt.Sprintf("Tool error (%s): %s", call.Name, err.Error())},
			IncludeInContext: true,
		}
	}

	e.bus.Emit(events.SourceTools, events.KindToolResult, map[string]any{
		"conversation_id": conv.ID,
		"tool_call_id":    call.ID,
		"tool":            call.Name,
		"ok":              err == nil,
		"duration_ms":     elapsed.Milliseconds(),
		"delegated":       record.SubChatID != "",
	})

	return record
}

func (e *Engine) run(ctx context.Context, conv *conversation.Conversation, call llm.ContentBlock) (conversation.ToolResult, error) {
	args, _ := SplitMeta(call.Input)

	blocks, err := e.backend.CallTool(ctx, call.Name, args)
	if err != nil {
		return conversation.ToolResult{}, err
	}

	normalized := Normalize(blocks)

	record := conversation.ToolResult{
		ToolCallID:       call.ID,
		ToolName:         call.Name,
		Result:           normalized,
		IncludeInContext: true,
	}

	size := resultBytes(normalized)
	if e.delegator == nil || !e.delegator.ShouldDelegate(conv, size) {
		return record, nil
	}

	outcome, err := e.delegator.Delegate(ctx, conv, call, normalized)
	if err != nil {
		return conversation.ToolResult{}, err
	}

	record.SubChatID = outcome.SubChatID
	record.WasProcessedBySubChat = outcome.Processed
	if outcome.Processed {
		record.Result = outcome.Text
	}
	return record, nil
}

// Normalize converts typed backend content parts into the value
// stored on the tool result: text parts that parse as JSON unwrap to
// objects, other text stays a string, images and resources become
// descriptor maps. One part collapses to the value itself; several
// become an array.
func Normalize(blocks []mcp.ContentBlock) any {
	if len(blocks) == 0 {
		return ""
	}

	parts := make([]any, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, normalizePart(b))
	}

	if len(parts) == 1 {
		return parts[0]
	}
	return parts
}

func normalizePart(b mcp.ContentBlock) any {
	switch b.Type {
	case "text":
		var parsed any
		if err := json.Unmarshal([]byte(b.Text), &parsed); err == nil {
			switch parsed.(type) {
			case map[string]any, []any:
				return parsed
			}
		}
		return b.Text
	case "image":
		return map[string]any{
			"type":     "image",
			"mimeType": b.MimeType,
			"data":     b.Data,
		}
	case "resource":
		return map[string]any{
			"type":     "resource",
			"resource": b.Resource,
		}
	default:
		return map[string]any{"type": b.Type}
	}
}

// resultBytes measures the serialized size used for the delegation
// threshold.
func resultBytes(result any) int {
	switch v := result.(type) {
	case string:
		return len(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return len(data)
	}
}
