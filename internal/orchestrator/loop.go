// Package orchestrator drives the response processing loop: build the
// API message array, call the LLM, execute requested tools, fold the
// results back in, and repeat until the model stops asking for tools
// or a safety, rate-limit, or stop condition intervenes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/optimizer"
	"github.com/parleyhq/parley/internal/prompts"
	"github.com/parleyhq/parley/internal/subchat"
	"github.com/parleyhq/parley/internal/toolexec"
)

// Orchestrator runs turns for any number of conversations. All
// per-turn state (iteration counter, backoff attempt) lives on the
// stack of processTurn; the only cross-call state is on the
// conversations themselves.
type Orchestrator struct {
	convs    *conversation.Manager
	client   llm.Client
	builder  *optimizer.Builder
	backend  toolexec.Backend
	engine   *toolexec.Engine
	subchats *subchat.Manager
	governor *Governor
	limiter  Limiter
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates an orchestrator and registers it as the sub-conversation
// runner.
func New(
	convs *conversation.Manager,
	client llm.Client,
	builder *optimizer.Builder,
	backend toolexec.Backend,
	engine *toolexec.Engine,
	subchats *subchat.Manager,
	limiter Limiter,
	bus *events.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		convs:    convs,
		client:   client,
		builder:  builder,
		backend:  backend,
		engine:   engine,
		subchats: subchats,
		governor: NewGovernor(bus, logger),
		limiter:  limiter,
		bus:      bus,
		logger:   logger.With("component", "orchestrator"),
	}
	if subchats != nil {
		subchats.SetRunner(o)
	}
	return o
}

// SendUserMessage appends the user's message and runs the turn to
// completion. Returns ErrUserStop when the user paused the turn; that
// is a resumable state, not a failure.
func (o *Orchestrator) SendUserMessage(ctx context.Context, convID, text string) error {
	conv := o.convs.Get(convID)
	if conv == nil {
		return fmt.Errorf("unknown conversation %s", convID)
	}
	if conv.IsProcessing() {
		return fmt.Errorf("conversation %s is already processing", convID)
	}

	conv.Edit(func() { conv.Turn++ })
	o.convs.Append(convID, conversation.NewUserMessage(text))
	o.bus.Emit(events.SourceLoop, events.KindUserMessage, map[string]any{
		"conversation_id": convID,
		"text":            text,
	})
	o.bus.Emit(events.SourceLoop, events.KindResetAssistantGroup, map[string]any{
		"conversation_id": convID,
	})

	if err := o.RunToCompletion(ctx, conv); err != nil {
		return err
	}

	o.maybeGenerateTitle(ctx, conv)
	return nil
}

// Continue resumes a conversation that was paused by Stop, re-entering
// the loop exactly where it left off.
func (o *Orchestrator) Continue(ctx context.Context, convID string) error {
	conv := o.convs.Get(convID)
	if conv == nil {
		return fmt.Errorf("unknown conversation %s", convID)
	}
	if conv.IsProcessing() {
		return fmt.Errorf("conversation %s is already processing", convID)
	}
	conv.ClearStop()
	return o.RunToCompletion(ctx, conv)
}

// Stop requests a cooperative pause. The in-flight LLM or tool call
// finishes; the loop observes the flag at its next iteration boundary.
func (o *Orchestrator) Stop(convID string) {
	if conv := o.convs.Get(convID); conv != nil {
		conv.RequestStop()
	}
}

// UpdateSystemPrompt replaces the conversation's system prompt and
// restarts it: all messages are truncated (their usage conserved in
// accounting nodes) and a fresh system message is appended.
func (o *Orchestrator) UpdateSystemPrompt(convID, prompt string) {
	conv := o.convs.Get(convID)
	if conv == nil {
		return
	}
	o.convs.Truncate(convID, 0, "system prompt changed")
	o.convs.Append(convID, conversation.NewSystemMessage(prompt))
}

// RunToCompletion drives the loop until a terminal state. It is also
// the subchat.Runner implementation: a seeded sub-conversation whose
// last message is tool-results resumes mid-turn without a new user
// message. Processing flags always clear on exit so the conversation
// is never left stuck busy.
func (o *Orchestrator) RunToCompletion(ctx context.Context, conv *conversation.Conversation) error {
	conv.SetProcessing(true)
	defer conv.SetProcessing(false)

	return o.processTurn(ctx, conv)
}

func (o *Orchestrator) processTurn(ctx context.Context, conv *conversation.Conversation) error {
	iterations := 0
	attempt := 0

	for {
		if conv.ShouldStop() {
			o.logger.Info("turn paused by user", "conversation_id", conv.ID)
			return ErrUserStop
		}

		if err := o.limiter.CheckIterations(iterations); err != nil {
			o.appendErrorMessage(conv, err)
			return nil // graceful terminal message, not a failure
		}

		built := o.builder.Build(conv, iterations > 0, "")

		req := &llm.Request{
			Model:             conv.Settings.Model,
			Messages:          built.Messages,
			Tools:             o.toolSpecs(),
			Temperature:       conv.Settings.Temperature,
			TopP:              conv.Settings.TopP,
			MaxTokens:         conv.Settings.MaxTokens,
			CacheControlMode:  conv.Settings.CacheControl,
			CacheControlIndex: built.CacheControlIndex,
		}

		o.bus.Emit(events.SourceLoop, events.KindSpinnerShow, map[string]any{"conversation_id": conv.ID})
		resp, err := o.client.Chat(ctx, req)
		o.bus.Emit(events.SourceLoop, events.KindSpinnerHide, map[string]any{"conversation_id": conv.ID})

		if err != nil {
			if IsRateLimited(err) {
				attempt++
				if waitErr := o.governor.Wait(ctx, conv, attempt, err); waitErr != nil {
					return waitErr
				}
				continue // re-issue the same request
			}
			o.appendErrorMessage(conv, err)
			return err
		}
		attempt = 0

		msg := conversation.NewAssistantMessage(resp.Content, resp.Model, resp.Usage)
		o.convs.Append(conv.ID, msg)
		o.emitAssistant(conv, msg, resp)

		toolCalls := resp.ToolUses()
		if len(toolCalls) == 0 {
			// Appended even when the content is empty: an empty final
			// assistant message ends the turn instead of re-prompting
			// forever.
			return nil
		}

		iterations++

		if err := o.limiter.CheckToolBatch(len(toolCalls)); err != nil {
			o.appendErrorMessage(conv, err)
			return nil
		}

		results := o.engine.Execute(ctx, conv, toolCalls)
		o.convs.Append(conv.ID, conversation.NewToolResultsMessage(results))

		// Costs attach only now that the tool-results message exists;
		// attaching before the append would drop them.
		if o.subchats != nil {
			for _, r := range results {
				if r.SubChatID != "" {
					o.subchats.AttachCosts(conv.ID, r.ToolCallID)
				}
			}
		}
	}
}

func (o *Orchestrator) toolSpecs() []llm.ToolSpec {
	if o.backend == nil {
		return nil
	}
	return o.backend.Specs()
}

func (o *Orchestrator) appendErrorMessage(conv *conversation.Conversation, err error) {
	errType := ClassifyError(err)
	o.logger.Error("turn ended with error",
		"conversation_id", conv.ID,
		"error_type", errType,
		"error", err,
	)

	msg := conversation.NewErrorMessage(errType, err.Error(), len(conv.Messages))
	o.convs.Append(conv.ID, msg)
	o.bus.Emit(events.SourceLoop, events.KindErrorMessage, map[string]any{
		"conversation_id": conv.ID,
		"error_type":      errType,
		"text":            err.Error(),
	})
}

func (o *Orchestrator) emitAssistant(conv *conversation.Conversation, msg *conversation.Message, resp *llm.Response) {
	o.bus.Emit(events.SourceLoop, events.KindAssistantMessage, map[string]any{
		"conversation_id": conv.ID,
		"text":            msg.Text(),
		"tool_calls":      len(resp.ToolUses()),
	})

	data := map[string]any{
		"conversation_id":       conv.ID,
		"model":                 msg.Model,
		"input_tokens":          resp.Usage.PromptTokens,
		"output_tokens":         resp.Usage.CompletionTokens,
		"cache_read_tokens":     resp.Usage.CacheReadInputTokens,
		"cache_creation_tokens": resp.Usage.CacheCreationInputTokens,
		"response_ms":           resp.ResponseTime.Milliseconds(),
	}
	if msg.Price != nil {
		data["cost_usd"] = *msg.Price
	}
	o.bus.Emit(events.SourceLoop, events.KindAssistantMetrics, data)
}

// maybeGenerateTitle asks the model for a short title after the first
// completed exchange. Best effort: failures only log.
func (o *Orchestrator) maybeGenerateTitle(ctx context.Context, conv *conversation.Conversation) {
	if !conv.Settings.GenerateTitles || conv.Title != "" || conv.IsSubConversation() {
		return
	}
	userText := firstUserText(conv)
	assistantText := conv.LastAssistantText()
	if userText == "" || assistantText == "" {
		return
	}

	titleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := o.client.Chat(titleCtx, &llm.Request{
		Model: conv.Settings.Model,
		Messages: []llm.Message{
			{Role: "system", Content: prompts.TitleSystem},
			{Role: "user", Content: prompts.TitleRequest(userText, assistantText)},
		},
		MaxTokens: 50,
	})
	if err != nil {
		o.logger.Warn("title generation failed", "conversation_id", conv.ID, "error", err)
		return
	}

	title := resp.Text()
	if title == "" {
		return
	}
	conv.Edit(func() { conv.Title = title })

	// The title exchange spends tokens too; carry its usage so the
	// conversation's totals stay honest.
	msg := conversation.NewTitleMessage(title)
	u := resp.Usage
	msg.Usage = &u
	msg.Model = resp.Model
	o.convs.Append(conv.ID, msg)
}

func firstUserText(conv *conversation.Conversation) string {
	for _, m := range conv.Messages {
		if m.Role == conversation.RoleUser {
			return m.Content
		}
	}
	return ""
}
