package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/httpkit"
)

// NewOpenAIAPI builds the SDK client shared by chat, embeddings and
// transcription. SDK-level retries are disabled; the agent loop owns
// the retry policy. baseURL may point at any compatible gateway.
func NewOpenAIAPI(apiKey, baseURL string) *openai.Client {
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))),
	}
	if base := normalizeOpenAIBaseURL(baseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := openai.NewClient(opts...)
	return &client
}

// normalizeOpenAIBaseURL trims endpoint suffixes people paste by
// mistake and makes sure the path ends in /v1/.
func normalizeOpenAIBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/chat/completions")
	p = strings.TrimRight(p, "/")
	if !strings.HasSuffix(p, "/v1") {
		p += "/v1"
	}
	u.Path = p + "/"
	return u.String()
}

// OpenAIClient is a client for the OpenAI chat completions API.
type OpenAIClient struct {
	api    *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		api:    NewOpenAIAPI(apiKey, baseURL),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request at temperature zero.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(0),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProtocolError{Provider: "openai", Detail: "no completion choices returned"}
	}

	choice := resp.Choices[0].Message
	msg := Message{Role: RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		args, err := decodeArguments(json.RawMessage(tc.Function.Arguments))
		if err != nil {
			return nil, &ProtocolError{
				Provider: "openai",
				Detail:   fmt.Sprintf("tool %q arguments", tc.Function.Name),
				Err:      err,
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}

	result := &ChatResponse{
		Model:   resp.Model,
		Message: msg,
		Usage:   Usage{InputTokens: int(resp.Usage.PromptTokens), OutputTokens: int(resp.Usage.CompletionTokens)},
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(msg.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", msg.Content)
	return result, nil
}

// Ping lists models to verify connectivity and the API key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.api.Models.List(ctx); err != nil {
		return classifyOpenAIError(ctx, err)
	}
	return nil
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.StatusCode) {
			return fmt.Errorf("openai API error %d: %w: %w", apiErr.StatusCode, ErrModelUnavailable, err)
		}
		if apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("invalid API key: %w", err)
		}
		return fmt.Errorf("openai API error %d: %w", apiErr.StatusCode, err)
	}
	return unavailable("openai", err)
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				raw, _ := json.Marshal(args)
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: string(raw),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

// toOpenAITools converts the registry's function definitions into SDK
// params.
func toOpenAITools(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}
		def := shared.FunctionDefinitionParam{Name: name}
		if desc, _ := fn["description"].(string); desc != "" {
			def.Description = openai.String(desc)
		}
		if params, ok := fn["parameters"].(map[string]any); ok {
			def.Parameters = shared.FunctionParameters(params)
		}
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{Function: def},
		})
	}
	return out
}
