// Package memory provides conversation memory storage.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
)

// ErrStoreUnavailable wraps every backend failure. Callers cannot make
// progress on the conversation when they see it.
var ErrStoreUnavailable = errors.New("conversation store unavailable")

// Store is the ordered, per-conversation message log. Appends for one
// conversation are serialized; different conversations never wait on
// each other.
type Store interface {
	// Append adds messages to the end of the conversation as one batch,
	// creating the conversation on first use.
	Append(ctx context.Context, id string, msgs ...llm.Message) error

	// Read returns the directive (if any) followed by every message in
	// append order. An unknown id yields an empty history.
	Read(ctx context.Context, id string) ([]llm.Message, error)

	// SetDirective replaces the conversation's system directive.
	SetDirective(ctx context.Context, id string, msg llm.Message) error

	// AuthState returns the credential state, zero for unknown ids.
	AuthState(ctx context.Context, id string) (AuthState, error)

	// SetAuthState replaces the credential state. Only the auth gate
	// calls this.
	SetAuthState(ctx context.Context, id string, state AuthState) error

	// Conversations lists conversations, most recently updated first.
	Conversations(ctx context.Context) ([]Summary, error)

	// Conversation returns one conversation with its timestamps, or nil.
	Conversation(ctx context.Context, id string) (*Conversation, error)

	// Snapshot returns a deep copy of every conversation.
	Snapshot(ctx context.Context) ([]*Conversation, error)

	// Restore replaces the entire store contents.
	Restore(ctx context.Context, convs []*Conversation) error

	Close() error
}

// AuthPhase is where a conversation stands in the authorization flow.
type AuthPhase string

const (
	AuthUnauthenticated AuthPhase = ""
	AuthAwaitingCode    AuthPhase = "awaiting_code"
	AuthAuthenticated   AuthPhase = "authenticated"
)

// AuthState is the per-conversation credential state. Credential is
// opaque to the store.
type AuthState struct {
	Phase      AuthPhase       `json:"phase,omitempty"`
	Nonce      string          `json:"nonce,omitempty"`
	Credential json.RawMessage `json:"credential,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at,omitzero"`
}

// Message is a stored conversation message.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	llm.Message
}

// Conversation holds the state of a single conversation.
type Conversation struct {
	ID        string       `json:"id"`
	Directive *llm.Message `json:"directive,omitempty"`
	Messages  []Message    `json:"messages"`
	Auth      AuthState    `json:"auth"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// History returns the directive followed by the messages, the same
// shape [Store.Read] produces.
func (c *Conversation) History() []llm.Message {
	out := make([]llm.Message, 0, len(c.Messages)+1)
	if c.Directive != nil {
		out = append(out, *c.Directive)
	}
	for _, m := range c.Messages {
		out = append(out, m.Message)
	}
	return out
}

// Summary describes a conversation without its messages.
type Summary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolCall is one audited tool invocation.
type ToolCall struct {
	ID             string     `json:"id"`
	CallID         string     `json:"call_id"`
	ConversationID string     `json:"conversation_id"`
	ToolName       string     `json:"tool_name"`
	Arguments      string     `json:"arguments"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
}

// ToolCallRecorder keeps an audit trail of tool executions.
type ToolCallRecorder interface {
	// RecordToolCall notes the start of a call and returns the audit
	// row id to pass to CompleteToolCall.
	RecordToolCall(ctx context.Context, conversationID, callID, toolName, arguments string) (string, error)
	CompleteToolCall(ctx context.Context, id, result, errMsg string) error
}

func (c *Conversation) clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	if c.Directive != nil {
		d := *c.Directive
		out.Directive = &d
	}
	if c.Auth.Credential != nil {
		out.Auth.Credential = append(json.RawMessage(nil), c.Auth.Credential...)
	}
	return &out
}
