package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to provider clients based on the
// "provider:model-id" prefix of the request model. The provider prefix
// is stripped before the request reaches the underlying client.
type MultiClient struct {
	clients map[string]Client
}

// NewMultiClient creates a router over the given provider clients,
// keyed by provider name ("anthropic", "openai").
func NewMultiClient(clients map[string]Client) *MultiClient {
	return &MultiClient{clients: clients}
}

// Chat routes the request to the client for the model's provider.
func (m *MultiClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	provider, model := SplitModel(req.Model)
	client, ok := m.clients[provider]
	if !ok {
		return nil, fmt.Errorf("no client configured for provider %q", provider)
	}

	routed := *req
	routed.Model = model
	resp, err := client.Chat(ctx, &routed)
	if err != nil {
		return nil, err
	}
	// Providers may answer with a snapshot ID; report the requested
	// model name so accounting and pricing lookups stay keyed the way
	// the catalog keys them.
	resp.Model = req.Model
	return resp, nil
}

// Ping checks connectivity for every configured provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	for name, client := range m.clients {
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}
