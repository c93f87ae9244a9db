package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUserStop signals cooperative cancellation. It is not a failure:
// the conversation pauses in a resumable state and Continue picks up
// exactly where the loop left off.
var ErrUserStop = errors.New("processing stopped by user")

// SafetyLimitError is terminal by design and never retried. The
// iteration ceiling stops runaway tool loops; the concurrency ceiling
// stops a single response from fanning out absurdly.
type SafetyLimitError struct {
	Kind  string // "iterations" or "concurrency"
	Limit int
}

func (e *SafetyLimitError) Error() string {
	switch e.Kind {
	case "iterations":
		return fmt.Sprintf("stopped after %d consecutive tool iterations", e.Limit)
	case "concurrency":
		return fmt.Sprintf("response requested more than %d tool calls at once", e.Limit)
	default:
		return fmt.Sprintf("safety limit exceeded (%s)", e.Kind)
	}
}

// rateLimitMarkers are the substrings sniffed out of provider error
// text. Provider clients embed the HTTP status code in their error
// strings, which anchors the numeric matches.
var rateLimitMarkers = []string{
	"429",
	"529",
	"rate limit",
	"rate_limit",
	"overloaded",
}

// IsRateLimited reports whether an LLM call failed on a rate-limit or
// overload signal. Detection is by message text, matching the
// provider clients' error formats.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryAfterMarker delimits the Retry-After header value the provider
// clients fold into their error strings.
const retryAfterMarker = "(retry-after: "

// RetryAfter extracts the provider's requested wait from an error,
// when one was sent. The value is either delta-seconds or an HTTP-date
// per RFC 9110; anything unparseable is treated as absent.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()
	start := strings.Index(msg, retryAfterMarker)
	if start < 0 {
		return 0, false
	}
	rest := msg[start+len(retryAfterMarker):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return 0, false
	}
	value := strings.TrimSpace(rest[:end])

	if secs, convErr := strconv.Atoi(value); convErr == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, parseErr := http.ParseTime(value); parseErr == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// ClassifyError buckets a turn-level failure for the retry affordance.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var safety *SafetyLimitError
	if errors.As(err, &safety) {
		return "safety_limit"
	}
	if IsRateLimited(err) {
		return "rate_limit"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "mcp"):
		return "mcp_error"
	case strings.Contains(msg, "tool"):
		return "tool_error"
	default:
		return "llm_error"
	}
}
