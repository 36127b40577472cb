package llm

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Response is the outcome of one completion: either a [FinalAnswer] or a
// [ToolRequest]. The set of implementations is closed.
type Response interface {
	isResponse()
}

// FinalAnswer is a natural-language reply with no further tool work.
type FinalAnswer struct {
	Text string
}

// ToolRequest asks the caller to run one or more tools. Text carries
// any narration the model emitted alongside the calls ("Let me check").
type ToolRequest struct {
	Calls []ToolCall
	Text  string
}

func (FinalAnswer) isResponse() {}
func (ToolRequest) isResponse() {}

// Complete sends history to the model and classifies the reply. The
// classification depends only on the provider response: any tool call
// makes it a ToolRequest, otherwise it is a FinalAnswer (possibly
// empty). Tool calls with no name are a [ProtocolError]. Calls without
// an ID, or whose ID repeats an earlier one in the same reply, get a
// fresh one so tool results can always be correlated.
func Complete(ctx context.Context, client Client, model string, history []Message, tools []map[string]any) (Response, error) {
	resp, err := client.Chat(ctx, model, history, tools)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &ProtocolError{Provider: model, Detail: "empty response"}
	}

	msg := resp.Message
	if len(msg.ToolCalls) == 0 {
		return FinalAnswer{Text: msg.Content}, nil
	}

	calls := make([]ToolCall, len(msg.ToolCalls))
	seen := make(map[string]bool, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			return nil, &ProtocolError{Provider: model, Detail: "tool call without a name"}
		}
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true

		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		calls[i] = ToolCall{ID: id, Function: FunctionCall{Name: name, Arguments: args}}
	}
	return ToolRequest{Calls: calls, Text: msg.Content}, nil
}
