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

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient is a client for the OpenAI chat completions API and
// any OpenAI-compatible endpoint reachable through a custom base URL.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. An empty baseURL uses
// the official API endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI request/response types

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_completion_tokens,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	wireReq := openAIRequest{
		Model:     req.Model,
		Messages:  convertToOpenAI(req.Messages),
		MaxTokens: req.MaxTokens,
		Tools:     convertToolsToOpenAI(req.Tools),
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
		"messages", len(wireReq.Messages),
		"tools", len(wireReq.Tools),
	)

	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}

	var wireResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	result := convertFromOpenAI(&wireResp)
	result.ResponseTime = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.PromptTokens,
		"output_tokens", result.Usage.CompletionTokens,
		"cache_read", result.Usage.CacheReadInputTokens,
		"tool_calls", len(result.ToolUses()),
		"elapsed", result.ResponseTime.Round(time.Millisecond),
	)

	return result, nil
}

// Ping verifies the API key by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from OpenAI API: %d", resp.StatusCode)
	}
	return nil
}

// convertToOpenAI converts provider-neutral messages to the OpenAI
// chat completions format. Assistant tool_use blocks become tool_calls
// with JSON-encoded arguments; tool messages carry the call ID.
func convertToOpenAI(messages []Message) []openAIMessage {
	result := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			if len(msg.Blocks) > 0 {
				out := openAIMessage{Role: "assistant"}
				for _, b := range msg.Blocks {
					switch b.Type {
					case "text":
						if out.Content != "" {
							out.Content += "\n"
						}
						out.Content += b.Text
					case "tool_use":
						args, err := json.Marshal(b.Input)
						if err != nil {
							args = []byte("{}")
						}
						out.ToolCalls = append(out.ToolCalls, openAIToolCall{
							ID:   b.ID,
							Type: "function",
							Function: openAIFunctionCall{
								Name:      b.Name,
								Arguments: string(args),
							},
						})
					}
				}
				result = append(result, out)
			} else {
				result = append(result, openAIMessage{Role: "assistant", Content: msg.Content})
			}

		case "tool":
			result = append(result, openAIMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			result = append(result, openAIMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return result
}

// convertToolsToOpenAI converts neutral tool specs to OpenAI function format.
func convertToolsToOpenAI(tools []ToolSpec) []openAITool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		params := any(t.InputSchema)
		if t.InputSchema == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

// convertFromOpenAI converts an OpenAI response to our internal format.
func convertFromOpenAI(resp *openAIResponse) *Response {
	choice := resp.Choices[0]

	var content []ContentBlock
	if choice.Message.Content != "" {
		content = append(content, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = map[string]any{}
		}
		content = append(content, ToolUseBlock(tc.ID, tc.Function.Name, input))
	}

	stopReason := choice.FinishReason
	if stopReason == "tool_calls" {
		stopReason = "tool_use"
	}

	return &Response{
		Model:      resp.Model,
		Content:    content,
		StopReason: stopReason,
		Usage: Usage{
			PromptTokens:         resp.Usage.PromptTokens,
			CompletionTokens:     resp.Usage.CompletionTokens,
			CacheReadInputTokens: resp.Usage.PromptTokensDetails.CachedTokens,
		},
	}
}
