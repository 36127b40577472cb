package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are Gestella."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "What's on my calendar?"},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are Gestella." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are Gestella."},
		{Role: RoleUser, Content: "Remember the budget and check my calendar."},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Function: FunctionCall{Name: "save_memory", Arguments: map[string]any{"text": "budget is $5000"}}},
				{ID: "toolu_2", Function: FunctionCall{Name: "list_calendar_events"}},
			},
		},
		{Role: RoleTool, Content: "Success: budget is $5000...", ToolCallID: "toolu_1"},
		{Role: RoleTool, Content: "Error: calendar offline", ToolCallID: "toolu_2"},
	}

	result, _ := convertToAnthropic(messages)

	// user, assistant with tool_use, one user with both tool_results
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	assistantContent, ok := result[1].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected assistant content to be []anthropicContent")
	}
	if len(assistantContent) != 2 {
		t.Fatalf("expected 2 tool_use blocks, got %d", len(assistantContent))
	}
	if string(assistantContent[1].Input) != "{}" {
		t.Errorf("nil arguments should encode as {}, got %s", assistantContent[1].Input)
	}

	results, ok := result[2].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected tool results to be []anthropicContent")
	}
	if len(results) != 2 {
		t.Fatalf("expected merged tool_result blocks, got %d", len(results))
	}
	if results[0].ToolUseID != "toolu_1" || results[1].ToolUseID != "toolu_2" {
		t.Errorf("tool_use ids out of order: %q, %q", results[0].ToolUseID, results[1].ToolUseID)
	}
	if results[0].IsError || !results[1].IsError {
		t.Errorf("is_error flags = %v, %v; want false, true", results[0].IsError, results[1].IsError)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "search_memory",
				"description": "Search long-term memory",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string"},
					},
				},
			},
		},
		{"type": "function"}, // no function body, skipped
	}

	result := convertToolsToAnthropic(tools)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	if result[0].Name != "search_memory" {
		t.Errorf("expected tool name search_memory, got %s", result[0].Name)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Role:  "assistant",
		Model: "claude-sonnet-4-20250514",
		Content: []anthropicContent{
			{Type: "text", Text: "Saving that now."},
			{Type: "tool_use", ID: "toolu_9", Name: "save_memory", Input: json.RawMessage(`{"text":"hi"}`)},
		},
		Usage: anthropicUsage{InputTokens: 12, OutputTokens: 3},
	}

	got, err := convertFromAnthropic(resp)
	if err != nil {
		t.Fatalf("convertFromAnthropic error: %v", err)
	}
	if got.Message.Content != "Saving that now." {
		t.Errorf("content = %q", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].Function.Arguments["text"] != "hi" {
		t.Errorf("tool calls = %+v", got.Message.ToolCalls)
	}
	if got.InputTokens != 12 || got.OutputTokens != 3 {
		t.Errorf("usage = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestConvertFromAnthropic_NonObjectInput(t *testing.T) {
	resp := &anthropicResponse{
		Content: []anthropicContent{
			{Type: "tool_use", ID: "toolu_1", Name: "save_memory", Input: json.RawMessage(`"just a string"`)},
		},
	}
	_, err := convertFromAnthropic(resp)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func newTestAnthropic(t *testing.T, status int, body string) (*AnthropicClient, *anthropicRequest) {
	t.Helper()
	var captured anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c := NewAnthropicClient("test-key", nil)
	c.endpoint = srv.URL
	return c, &captured
}

func TestAnthropicChat(t *testing.T) {
	c, captured := newTestAnthropic(t, http.StatusOK,
		`{"role":"assistant","model":"claude","content":[{"type":"text","text":"Noted."}],"usage":{"input_tokens":5,"output_tokens":2}}`)

	resp, err := c.Chat(context.Background(), "claude", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "Noted." {
		t.Errorf("content = %q, want Noted.", resp.Message.Content)
	}
	if captured.System != "sys" {
		t.Errorf("system = %q, want sys", captured.System)
	}
	if captured.Temperature == nil || *captured.Temperature != 0 {
		t.Errorf("temperature should be pinned to 0, got %v", captured.Temperature)
	}
}

func TestAnthropicChat_StatusClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unavailable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"overloaded", 529, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestAnthropic(t, tt.status, `{"error":{"message":"nope"}}`)
			_, err := c.Chat(context.Background(), "claude", []Message{{Role: RoleUser, Content: "hi"}}, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrModelUnavailable); got != tt.unavailable {
				t.Errorf("errors.Is(ErrModelUnavailable) = %v, want %v (err: %v)", got, tt.unavailable, err)
			}
		})
	}
}

func TestAnthropicChat_TransportFailureIsUnavailable(t *testing.T) {
	c := NewAnthropicClient("k", nil)
	c.endpoint = "http://127.0.0.1:1" // nothing listens here

	_, err := c.Chat(context.Background(), "claude", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}
