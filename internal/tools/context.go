package tools

import "context"

// Call identifies the tool invocation a handler is serving.
type Call struct {
	ConversationID string
	CallID         string // provider-assigned, unique within a turn
	Tool           string
}

type callKey struct{}

// WithCall attaches c to ctx for the handler it is passed to.
func WithCall(ctx context.Context, c Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFromContext returns the invocation attached by [WithCall], or
// the zero Call.
func CallFromContext(ctx context.Context) Call {
	c, _ := ctx.Value(callKey{}).(Call)
	return c
}

// WithConversationID is shorthand for a Call carrying only the
// conversation.
func WithConversationID(ctx context.Context, id string) context.Context {
	c := CallFromContext(ctx)
	c.ConversationID = id
	return WithCall(ctx, c)
}

// ConversationIDFromContext returns the calling conversation, or
// "default" outside a turn. Memories and calendars are scoped by it.
func ConversationIDFromContext(ctx context.Context) string {
	if id := CallFromContext(ctx).ConversationID; id != "" {
		return id
	}
	return "default"
}
