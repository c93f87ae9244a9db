package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/events"
)

const (
	governorBaseDelay = 5 * time.Second
	governorMaxDelay  = 120 * time.Second
)

// Governor suspends the processing loop when the provider signals
// rate limiting and resumes it after an exponential backoff. The wait
// is synchronous inside the turn, so the same request is re-issued on
// resume without re-building state.
type Governor struct {
	bus    *events.Bus
	logger *slog.Logger

	base time.Duration
	max  time.Duration
}

// NewGovernor creates a rate-limit governor with the default
// 5s-doubling-to-120s backoff schedule.
func NewGovernor(bus *events.Bus, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		bus:    bus,
		logger: logger.With("component", "governor"),
		base:   governorBaseDelay,
		max:    governorMaxDelay,
	}
}

// Delay returns the backoff for the given attempt (1-based).
func (g *Governor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := g.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= g.max {
			return g.max
		}
	}
	return d
}

// waitDelay picks the wait for one suspension. A Retry-After value
// carried by the causing error wins over the exponential schedule,
// clamped to the governor's ceiling; without one the schedule applies.
func (g *Governor) waitDelay(attempt int, cause error) time.Duration {
	if hinted, ok := RetryAfter(cause); ok {
		if hinted > g.max {
			return g.max
		}
		return hinted
	}
	return g.Delay(attempt)
}

// Wait blocks until the provider should be retried, emitting countdown
// events so the presentation layer can show the remaining time. The
// causing error supplies the provider's Retry-After hint when present.
// Context cancellation aborts the wait.
func (g *Governor) Wait(ctx context.Context, conv *conversation.Conversation, attempt int, cause error) error {
	delay := g.waitDelay(attempt, cause)

	g.logger.Warn("rate limited, suspending loop",
		"conversation_id", conv.ID,
		"attempt", attempt,
		"wait", delay,
	)
	g.bus.Emit(events.SourceGovernor, events.KindRateLimitWait, map[string]any{
		"conversation_id": conv.ID,
		"wait_seconds":    int(delay.Seconds()),
		"attempt":         attempt,
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	g.bus.Emit(events.SourceGovernor, events.KindRateLimitResume, map[string]any{
		"conversation_id": conv.ID,
		"attempt":         attempt,
	})
	return nil
}
