// Package events provides a publish/subscribe event bus connecting the
// orchestration core to presentation layers. The core emits discrete
// render events (messages, tool activity, spinner state) and never
// assumes anything about how they are displayed. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the response processing loop.
	SourceLoop = "loop"
	// SourceTools identifies events from the tool execution engine.
	SourceTools = "tools"
	// SourceSubChat identifies events from sub-conversation processing.
	SourceSubChat = "subchat"
	// SourceGovernor identifies events from the rate-limit governor.
	SourceGovernor = "governor"
)

// Kind constants describe the type of event within a source.
const (
	// KindUserMessage signals a user message was added.
	// Data: conversation_id, text.
	KindUserMessage = "user_message"
	// KindAssistantMessage signals a final or intermediate assistant
	// message. Data: conversation_id, text, tool_calls.
	KindAssistantMessage = "assistant_message"
	// KindAssistantMetrics carries token/cost metrics for an assistant
	// response. Data: conversation_id, model, input_tokens,
	// output_tokens, cache_read_tokens, cache_creation_tokens,
	// cost_usd, response_ms.
	KindAssistantMetrics = "assistant_metrics"
	// KindToolCall signals the start of a tool execution.
	// Data: conversation_id, tool_call_id, tool.
	KindToolCall = "tool_call"
	// KindToolResult signals completion of a tool execution.
	// Data: conversation_id, tool_call_id, tool, ok, duration_ms,
	// delegated.
	KindToolResult = "tool_result"
	// KindErrorMessage signals a persisted error message.
	// Data: conversation_id, error_type, text.
	KindErrorMessage = "error_message"
	// KindResetAssistantGroup tells the presentation layer to start a
	// fresh assistant message group. Data: conversation_id.
	KindResetAssistantGroup = "reset_assistant_group"
	// KindSpinnerShow and KindSpinnerHide toggle the busy indicator.
	// Data: conversation_id.
	KindSpinnerShow = "spinner_show"
	KindSpinnerHide = "spinner_hide"

	// KindRateLimitWait signals the governor entered a countdown.
	// Data: conversation_id, wait_seconds, attempt.
	KindRateLimitWait = "rate_limit_wait"
	// KindRateLimitResume signals the countdown expired and the request
	// is being re-issued. Data: conversation_id, attempt.
	KindRateLimitResume = "rate_limit_resume"

	// KindSubChatStart signals a sub-conversation was spawned for an
	// oversized tool result. Data: conversation_id, sub_chat_id,
	// tool_call_id, result_bytes.
	KindSubChatStart = "subchat_start"
	// KindSubChatDone signals a sub-conversation finished.
	// Data: conversation_id, sub_chat_id, ok, cost_usd.
	KindSubChatDone = "subchat_done"
)

// Event represents a single event published by the core.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the orchestration loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Emit is shorthand for Publish with the given source, kind, and data.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
