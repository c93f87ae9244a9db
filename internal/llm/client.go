package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Errors carry the provider's HTTP status code and error body in
	// their message so callers can classify rate-limit conditions.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
