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

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Long prompts and large tool schemas can take a while before the
	// first header arrives.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:   apiKey,
		endpoint: anthropicAPIURL,
		logger:   logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Rely on ctx deadlines for timeout control.
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
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
	IsError   bool            `json:"is_error,omitempty"`
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
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat sends a chat completion request at temperature zero.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"system_len", len(systemPrompt),
	)

	zero := 0.0
	req := anthropicRequest{
		Model:       model,
		Messages:    anthropicMsgs,
		System:      systemPrompt,
		MaxTokens:   anthropicMaxTokens,
		Temperature: &zero,
		Tools:       anthropicTools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return nil, unavailable("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, statusError("anthropic", resp.StatusCode, errBody)
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, &ProtocolError{Provider: "anthropic", Detail: "decode response", Err: err}
	}
	result, err := convertFromAnthropic(&ar)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping checks if the Anthropic API is reachable and the key is accepted.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	// No dedicated health endpoint; a one-token request verifies the key.
	req := anthropicRequest{
		Model:     "claude-sonnet-4-20250514",
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return unavailable("anthropic", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("anthropic", resp.StatusCode, "")
	}
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return c.httpClient.Do(httpReq)
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages become the separate system prompt. Consecutive tool
// results are merged into one user message, as the API requires all
// results for a tool_use turn to arrive together.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, anthropicMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				input, _ := json.Marshal(args)
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   strings.HasPrefix(msg.Content, "Error:"),
			}
			if n := len(result); n > 0 && result[n-1].Role == "user" {
				if prev, ok := result[n-1].Content.([]anthropicContent); ok && len(prev) > 0 && prev[0].Type == "tool_result" {
					result[n-1].Content = append(prev, block)
					continue
				}
			}
			result = append(result, anthropicMessage{Role: "user", Content: []anthropicContent{block}})

		case RoleUser:
			result = append(result, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts OpenAI-format tool definitions to Anthropic format.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	var result []anthropicTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		result = append(result, anthropicTool{
			Name:        name,
			Description: desc,
			InputSchema: params,
		})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal
// format. A tool_use block whose input is not a JSON object is a
// protocol error.
func convertFromAnthropic(resp *anthropicResponse) (*ChatResponse, error) {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 && string(block.Input) != "null" {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, &ProtocolError{
						Provider: "anthropic",
						Detail:   fmt.Sprintf("tool %q input is not an object", block.Name),
						Err:      err,
					}
				}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:       block.ID,
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	role := resp.Role
	if role == "" {
		role = RoleAssistant
	}
	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      role,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		Usage: Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}
