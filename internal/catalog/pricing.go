// Package catalog maintains the model catalog: which models exist per
// provider, their context windows, and their pricing, fetched from a
// models endpoint at startup and on demand.
package catalog

import "github.com/parleyhq/parley/internal/llm"

const tokensPerMillion = 1_000_000.0

// Pricing holds a model's rates in USD per million tokens. CacheRead
// and CacheWrite are optional; their presence selects the billing
// regime in PriceOf.
type Pricing struct {
	Input      float64  `json:"input"`
	Output     float64  `json:"output"`
	CacheRead  *float64 `json:"cacheRead,omitempty"`
	CacheWrite *float64 `json:"cacheWrite,omitempty"`
}

// PriceOf computes the USD cost of a single API exchange. Returns nil
// when the table has no entry for the model, so callers can tell
// "free" apart from "unknown".
//
// The entry's shape picks the formula:
//   - cacheRead and cacheWrite present: cache reads and cache writes
//     are billed at their own rates (Anthropic-style, where prompt
//     tokens already exclude the cached portions).
//   - only cacheRead present: cached tokens are billed at the read
//     rate, cache creation has no separate rate (OpenAI-style).
//   - neither present: every input token is billed at the input rate.
func (t Table) PriceOf(model string, usage llm.Usage) *float64 {
	entry, ok := t[model]
	if !ok || entry.Pricing == nil {
		return nil
	}
	p := entry.Pricing

	prompt := float64(usage.PromptTokens)
	completion := float64(usage.CompletionTokens)
	cacheRead := float64(usage.CacheReadInputTokens)
	cacheWrite := float64(usage.CacheCreationInputTokens)

	var cost float64
	switch {
	case p.CacheRead != nil && p.CacheWrite != nil:
		cost = prompt*p.Input +
			cacheRead**p.CacheRead +
			cacheWrite**p.CacheWrite +
			completion*p.Output

	case p.CacheRead != nil:
		cost = prompt*p.Input +
			(cacheRead+cacheWrite)**p.CacheRead +
			completion*p.Output

	default:
		cost = (prompt+cacheRead+cacheWrite)*p.Input +
			completion*p.Output
	}

	cost /= tokensPerMillion
	return &cost
}
