// Package llm provides language model client implementations and the
// provider-neutral completion contract used by the agent loop.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// FunctionCall names a tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID, unique within a turn
	Function FunctionCall `json:"function"`
}

// Usage counts tokens for one model call, when the provider reports it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is one provider reply converted to the neutral shape.
type ChatResponse struct {
	Model   string
	Message Message
	Usage
}
