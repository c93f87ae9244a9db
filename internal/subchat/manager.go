// Package subchat delegates oversized tool results to isolated
// sub-conversations: a child conversation with its own ledger and all
// optimizations disabled digs into the result and reports a condensed
// answer back to the parent, with its spend folded into the parent's
// accounting.
package subchat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/prompts"
	"github.com/parleyhq/parley/internal/toolexec"
)

// Runner drives a conversation's processing loop until it reaches a
// terminal state. Implemented by the orchestrator; injected late via
// SetRunner because the orchestrator also depends on this package.
type Runner interface {
	RunToCompletion(ctx context.Context, conv *conversation.Conversation) error
}

// Config controls delegation behavior.
type Config struct {
	Enabled bool
	// ThresholdKB is the result size above which delegation triggers,
	// in KiB. Zero means delegate every result.
	ThresholdKB int
	// Model overrides the parent's model for sub-conversations; empty
	// inherits.
	Model string
}

// Manager creates and runs sub-conversations. It implements
// toolexec.Delegator.
type Manager struct {
	cfg    Config
	convs  *conversation.Manager
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	runner Runner
}

// NewManager creates a sub-conversation manager.
func NewManager(cfg Config, convs *conversation.Manager, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		convs:  convs,
		bus:    bus,
		logger: logger.With("component", "subchat"),
	}
}

// SetRunner injects the loop runner. Must be called before any
// Delegate.
func (m *Manager) SetRunner(r Runner) {
	m.mu.Lock()
	m.runner = r
	m.mu.Unlock()
}

// ShouldDelegate reports whether a tool result of the given size goes
// to a sub-conversation. Sub-conversations never delegate recursively,
// and a conversation with tool summarization switched off keeps its
// results inline regardless of size.
func (m *Manager) ShouldDelegate(parent *conversation.Conversation, resultBytes int) bool {
	if parent.IsSubConversation() {
		return false
	}
	if !m.cfg.Enabled || !parent.Settings.ToolSummarization {
		return false
	}
	if m.cfg.ThresholdKB == 0 {
		return true
	}
	return resultBytes > m.cfg.ThresholdKB*1024
}

// Delegate spawns a sub-conversation seeded with the oversized result,
// runs it to completion, and returns its condensed answer. A
// sub-conversation that produces no assistant text (or whose run
// fails) yields Processed=false so the caller falls back to the
// original result; that path is a fallback, never an error.
func (m *Manager) Delegate(ctx context.Context, parent *conversation.Conversation, call llm.ContentBlock, normalized any) (toolexec.Delegation, error) {
	m.mu.RLock()
	runner := m.runner
	m.mu.RUnlock()

	child := m.spawn(parent, call, normalized)

	m.bus.Emit(events.SourceSubChat, events.KindSubChatStart, map[string]any{
		"conversation_id": parent.ID,
		"sub_chat_id":     child.ID,
		"tool_call_id":    call.ID,
	})

	var runErr error
	if runner == nil {
		m.logger.Error("no runner configured, delegation falls back", "sub_chat_id", child.ID)
	} else {
		runErr = runner.RunToCompletion(ctx, child)
		if runErr != nil {
			m.logger.Warn("sub-conversation run failed, using original result",
				"sub_chat_id", child.ID, "error", runErr)
		}
	}

	condensed := child.LastAssistantText()
	processed := runErr == nil && condensed != ""

	m.bus.Emit(events.SourceSubChat, events.KindSubChatDone, map[string]any{
		"conversation_id": parent.ID,
		"sub_chat_id":     child.ID,
		"ok":              processed,
		"cost_usd":        child.Totals.Total.Cost,
	})

	return toolexec.Delegation{
		SubChatID: child.ID,
		Text:      condensed,
		Processed: processed,
	}, nil
}

// spawn builds the seeded sub-conversation: specialized system prompt,
// a synthetic user brief from the tool call's metadata, a synthetic
// assistant message replaying the tool call (metadata stripped), and
// the oversized result as tool-results.
func (m *Manager) spawn(parent *conversation.Conversation, call llm.ContentBlock, normalized any) *conversation.Conversation {
	settings := parent.Settings
	if m.cfg.Model != "" {
		settings.Model = m.cfg.Model
	}
	// Everything off except the inherited cache-control setting; a
	// delegated analysis must see its material verbatim.
	settings.ToolSummarization = false
	settings.AutoSummarization = false
	settings.ToolMemory = false
	settings.GenerateTitles = false
	settings.ContextWindow = 0

	child := conversation.New(settings)
	child.ParentConversationID = parent.ID
	child.ParentToolCallID = call.ID
	m.convs.Add(child)

	cleanArgs, metaRaw := toolexec.SplitMeta(call.Input)
	meta := prompts.SubChatMeta{
		Purpose:           metaRaw[toolexec.MetaPurpose],
		ExpectedFormat:    metaRaw[toolexec.MetaExpectedFormat],
		KeyInformation:    metaRaw[toolexec.MetaKeyInformation],
		SuccessIndicators: metaRaw[toolexec.MetaSuccessIndicators],
		Context:           metaRaw[toolexec.MetaContext],
	}

	m.convs.Append(child.ID, conversation.NewSystemMessage(prompts.SubChatSystem))
	m.convs.Append(child.ID, conversation.NewUserMessage(prompts.SubChatTask(call.Name, meta)))

	intro := conversation.NewAssistantMessage([]llm.ContentBlock{
		llm.TextBlock(prompts.SubChatAssistantIntro(call.Name)),
		llm.ToolUseBlock(call.ID, call.Name, cleanArgs),
	}, settings.Model, llm.Usage{})
	intro.Usage = nil // synthetic, no API exchange behind it
	m.convs.Append(child.ID, intro)

	m.convs.Append(child.ID, conversation.NewToolResultsMessage([]conversation.ToolResult{{
		ToolCallID:       call.ID,
		ToolName:         call.Name,
		Result:           normalized,
		IncludeInContext: true,
	}}))

	return child
}

// AttachCosts copies a finished sub-conversation's aggregates onto the
// matching tool-result entry of the parent and recomputes the parent's
// totals. Call it only after the parent's tool-results message has
// been appended; attaching earlier drops the costs silently because
// there is no entry to carry them.
func (m *Manager) AttachCosts(parentID, toolCallID string) {
	parent := m.convs.Get(parentID)
	if parent == nil {
		m.logger.Error("attach costs on unknown conversation", "conversation_id", parentID)
		return
	}

	parent.Edit(func() {
		for _, msg := range parent.Messages {
			if msg.Role != conversation.RoleToolResults {
				continue
			}
			for i := range msg.ToolResults {
				tr := &msg.ToolResults[i]
				if tr.ToolCallID != toolCallID || tr.SubChatID == "" {
					continue
				}
				child := m.convs.Get(tr.SubChatID)
				if child == nil {
					m.logger.Error("sub-conversation vanished before cost attach", "sub_chat_id", tr.SubChatID)
					continue
				}
				costs := cloneAggregates(child.Totals)
				tr.SubChatCosts = &costs
			}
		}
	})

	m.convs.Recompute(parentID)
}

func cloneAggregates(a conversation.Aggregates) conversation.Aggregates {
	out := conversation.Aggregates{
		Total:    a.Total,
		PerModel: make(map[string]conversation.UsageTotals, len(a.PerModel)),
	}
	for k, v := range a.PerModel {
		out.PerModel[k] = v
	}
	return out
}
