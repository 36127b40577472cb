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

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute // model load plus first token
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute), // Large models with tools need time
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name string `json:"name"`
		// Ollama normally returns an object; some models emit a
		// JSON-encoded string instead.
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaChatRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Tools:    tools,
		Options:  &ollamaOptions{Temperature: 0},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, unavailable("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var or ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, &ProtocolError{Provider: "ollama", Detail: "decode response", Err: err}
	}
	return convertFromOllama(&or)
}

func convertToOllama(messages []Message) []ollamaMessage {
	// Ollama correlates tool results by name, not ID.
	names := make(map[string]string)
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			otc.Function.Arguments, _ = json.Marshal(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		if m.Role == RoleTool {
			om.ToolName = names[m.ToolCallID]
		}
		out = append(out, om)
	}
	return out
}

func convertFromOllama(or *ollamaChatResponse) (*ChatResponse, error) {
	msg := Message{Role: or.Message.Role, Content: or.Message.Content}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}

	for _, otc := range or.Message.ToolCalls {
		args, err := decodeArguments(otc.Function.Arguments)
		if err != nil {
			return nil, &ProtocolError{
				Provider: "ollama",
				Detail:   fmt.Sprintf("tool %q arguments", otc.Function.Name),
				Err:      err,
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Function: FunctionCall{Name: otc.Function.Name, Arguments: args},
		})
	}

	// Many local models write the tool call into the content instead of
	// the native field.
	if len(msg.ToolCalls) == 0 && msg.Content != "" {
		if parsed := parseTextToolCalls(msg.Content); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}

	return &ChatResponse{
		Model:   or.Model,
		Message: msg,
		Usage:   Usage{InputTokens: or.PromptEvalCount, OutputTokens: or.EvalCount},
	}, nil
}

// decodeArguments accepts a JSON object or a string holding one.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(s)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// parseTextToolCalls attempts to extract tool calls from content text.
// It handles a raw JSON object {"name": ..., "arguments": {...}}, a JSON
// array of those, and the same wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		end := strings.Index(content, "</tool_call>")
		if end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else {
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			if c.Name == "" {
				return nil
			}
			result = append(result, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: c.Arguments}})
		}
		return result
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Function: FunctionCall{Name: single.Name, Arguments: single.Arguments}}}
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the names of locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, unavailable("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
