package orchestrator

// Limiter holds the safety ceilings for one turn. The iteration
// counter itself lives on the loop's stack; it resets with every new
// user message, so a safety halt is terminal for the turn but not for
// the conversation.
type Limiter struct {
	MaxIterations      int
	MaxConcurrentTools int
}

// CheckIterations returns a terminal error when the consecutive
// tool-iteration count has reached the ceiling.
func (l Limiter) CheckIterations(count int) error {
	if l.MaxIterations > 0 && count >= l.MaxIterations {
		return &SafetyLimitError{Kind: "iterations", Limit: l.MaxIterations}
	}
	return nil
}

// CheckToolBatch returns a terminal error when a single response
// carries more tool calls than allowed.
func (l Limiter) CheckToolBatch(calls int) error {
	if l.MaxConcurrentTools > 0 && calls > l.MaxConcurrentTools {
		return &SafetyLimitError{Kind: "concurrency", Limit: l.MaxConcurrentTools}
	}
	return nil
}
