package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// LLM responses can take significant time before sending headers
	// (thinking, long prompts). Use a custom transport with a generous
	// response header timeout, and no global client timeout — context
	// deadlines control cancellation.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey: apiKey,
		apiURL: anthropicAPIURL,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic request/response types

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type         string               `json:"type"`
	Text         string               `json:"text,omitempty"`
	ID           string               `json:"id,omitempty"`
	Name         string               `json:"name,omitempty"`
	Input        any                  `json:"input,omitempty"`
	ToolUseID    string               `json:"tool_use_id,omitempty"`
	Content      string               `json:"content,omitempty"` // for tool_result
	CacheControl *anthropicCacheEntry `json:"cache_control,omitempty"`
}

type anthropicCacheEntry struct {
	Type string `json:"type"` // "ephemeral"
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// Chat sends a chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	msgs, systemPrompt := convertToAnthropic(req)

	wireReq := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    systemPrompt,
		MaxTokens: req.MaxTokens,
		Tools:     convertToolsToAnthropic(req.Tools),
	}
	if wireReq.MaxTokens <= 0 {
		wireReq.MaxTokens = 4096
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		wireReq.Temperature = &temp
	}
	if req.TopP > 0 {
		topP := req.TopP
		wireReq.TopP = &topP
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"tools", len(wireReq.Tools),
		"system_len", len(systemPrompt),
		"cache_mode", req.CacheControlMode,
	)

	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		// The status code in the message is load-bearing: the rate-limit
		// governor classifies errors by matching it.
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			return nil, fmt.Errorf("anthropic API error %d (retry-after: %s): %s", resp.StatusCode, retryAfter, errBody)
		}
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	var wireResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := convertFromAnthropic(&wireResp)
	result.ResponseTime = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.PromptTokens,
		"output_tokens", result.Usage.CompletionTokens,
		"cache_read", result.Usage.CacheReadInputTokens,
		"cache_creation", result.Usage.CacheCreationInputTokens,
		"tool_calls", len(result.ToolUses()),
		"elapsed", result.ResponseTime.Round(time.Millisecond),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Text())

	return result, nil
}

// Ping verifies the API key with a minimal request.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req := anthropicRequest{
		Model:     "claude-haiku-4-5",
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	if httpResp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", httpResp.StatusCode)
	}
	return nil
}

// convertToAnthropic converts a provider-neutral request to Anthropic
// wire messages. System messages are extracted into a separate system
// prompt. When cache control is enabled, the message at
// CacheControlIndex gets an ephemeral cache_control marker on its last
// content block.
func convertToAnthropic(req *Request) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	cacheIndex := -1
	if req.CacheControlMode == "auto" {
		cacheIndex = req.CacheControlIndex
	}

	for i, msg := range req.Messages {
		markCache := i == cacheIndex

		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant":
			if len(msg.Blocks) > 0 {
				blocks := make([]anthropicContent, 0, len(msg.Blocks))
				for j, b := range msg.Blocks {
					switch b.Type {
					case "text":
						if b.Text == "" {
							continue
						}
						blocks = append(blocks, anthropicContent{Type: "text", Text: b.Text})
					case "tool_use":
						input := b.Input
						if input == nil {
							input = map[string]any{}
						}
						id := b.ID
						if id == "" {
							id = fmt.Sprintf("toolu_%s_%d", b.Name, j)
						}
						blocks = append(blocks, anthropicContent{
							Type:  "tool_use",
							ID:    id,
							Name:  b.Name,
							Input: input,
						})
					}
				}
				if markCache && len(blocks) > 0 {
					blocks[len(blocks)-1].CacheControl = &anthropicCacheEntry{Type: "ephemeral"}
				}
				result = append(result, anthropicMessage{Role: "assistant", Content: blocks})
			} else {
				result = append(result, anthropicMessage{Role: "assistant", Content: msg.Content})
			}

		case "tool":
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}
			if markCache {
				block.CacheControl = &anthropicCacheEntry{Type: "ephemeral"}
			}
			result = append(result, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{block},
			})

		case "user":
			if markCache {
				result = append(result, anthropicMessage{
					Role: "user",
					Content: []anthropicContent{{
						Type:         "text",
						Text:         msg.Content,
						CacheControl: &anthropicCacheEntry{Type: "ephemeral"},
					}},
				})
			} else {
				result = append(result, anthropicMessage{Role: "user", Content: msg.Content})
			}
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts neutral tool specs to Anthropic format.
func convertToolsToAnthropic(tools []ToolSpec) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := any(t.InputSchema)
		if t.InputSchema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal format.
func convertFromAnthropic(resp *anthropicResponse) *Response {
	var content []ContentBlock

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content = append(content, TextBlock(block.Text))
		case "tool_use":
			input, ok := block.Input.(map[string]any)
			if !ok {
				input = map[string]any{}
			}
			content = append(content, ToolUseBlock(block.ID, block.Name, input))
		}
	}

	return &Response{
		Model:      resp.Model,
		Content:    content,
		StopReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:             resp.Usage.InputTokens,
			CompletionTokens:         resp.Usage.OutputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		},
	}
}
