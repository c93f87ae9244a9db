// Package prompts contains the LLM prompt templates parley uses
// internally, separated from orchestration logic so wording changes
// never touch control flow.
package prompts

import (
	"fmt"
	"strings"
)

// DefaultSystem is used when the configuration supplies no system
// prompt of its own.
const DefaultSystem = "You are a helpful assistant with access to tools. Use them when they help you answer accurately."

// SubChatSystem instructs a sub-conversation spawned to digest one
// oversized tool result. The policy is escalate, don't silently fail:
// a wrong-looking result must be reported as such, never papered over.
const SubChatSystem = `You are an investigator analyzing the output of a single tool call on behalf of another assistant. Your job:

1. Examine the tool result below thoroughly. Use your available tools to dig deeper, cross-check values, or fetch missing context when that improves the answer.
2. Produce a condensed summary that preserves everything the parent conversation needs: concrete values, identifiers, errors, and anything matching the stated success indicators.
3. If the result looks wrong, incomplete, or contradicts expectations, say so explicitly and explain what you found. Do not silently smooth over problems — escalate them in your summary.

Respond with the condensed summary only. No preamble.`

// subChatTaskTemplate builds the synthetic user message seeding a
// sub-conversation. Sections render only when the original tool call
// carried the matching metadata field.
const subChatTaskHeader = "A tool call named %q produced a result too large to keep in the parent conversation. Analyze it and report back.\n"

// SubChatTask renders the investigation brief from the tool call's
// optional metadata fields.
func SubChatTask(toolName string, meta SubChatMeta) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, subChatTaskHeader, toolName)

	section := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "\n%s: %s\n", label, value)
		}
	}
	section("Purpose of the call", meta.Purpose)
	section("Expected format", meta.ExpectedFormat)
	section("Key information to extract", meta.KeyInformation)
	section("Success indicators", meta.SuccessIndicators)
	section("Context for interpretation", meta.Context)

	return sb.String()
}

// SubChatMeta is the caller-supplied guidance attached to a tool call
// for the benefit of a delegated analysis.
type SubChatMeta struct {
	Purpose           string
	ExpectedFormat    string
	KeyInformation    string
	SuccessIndicators string
	Context           string
}

// SubChatAssistantIntro is the synthetic assistant message asserting
// the tool call about to be replayed into the sub-conversation.
func SubChatAssistantIntro(toolName string) string {
	return fmt.Sprintf("I'll call %s and analyze its output.", toolName)
}

// TitleSystem asks for a short conversation title.
const TitleSystem = `Generate a short title (3-6 words) for the conversation below. Respond with the title only: no quotes, no trailing punctuation.`

// TitleRequest renders the title-generation user message from the
// opening exchange.
func TitleRequest(userText, assistantText string) string {
	const maxLen = 500
	if len(userText) > maxLen {
		userText = userText[:maxLen]
	}
	if len(assistantText) > maxLen {
		assistantText = assistantText[:maxLen]
	}
	return fmt.Sprintf("User: %s\n\nAssistant: %s", userText, assistantText)
}
