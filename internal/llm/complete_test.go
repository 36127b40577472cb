package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	resp *ChatResponse
	err  error
}

func (s *stubClient) Chat(_ context.Context, _ string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	return s.resp, s.err
}

func (s *stubClient) Ping(context.Context) error { return nil }

func TestComplete(t *testing.T) {
	tests := []struct {
		name      string
		msg       Message
		wantFinal bool
		wantText  string
		wantCalls int
	}{
		{
			name:      "plain answer",
			msg:       Message{Role: RoleAssistant, Content: "Noted."},
			wantFinal: true,
			wantText:  "Noted.",
		},
		{
			name:      "empty answer is still final",
			msg:       Message{Role: RoleAssistant},
			wantFinal: true,
		},
		{
			name: "tool calls with narration",
			msg: Message{Role: RoleAssistant, Content: "Checking.", ToolCalls: []ToolCall{
				{ID: "a", Function: FunctionCall{Name: "search_memory"}},
				{ID: "b", Function: FunctionCall{Name: "list_calendar_events"}},
			}},
			wantText:  "Checking.",
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Complete(context.Background(), &stubClient{resp: &ChatResponse{Message: tt.msg}}, "m", nil, nil)
			if err != nil {
				t.Fatalf("Complete error: %v", err)
			}
			switch r := got.(type) {
			case FinalAnswer:
				if !tt.wantFinal {
					t.Fatalf("got FinalAnswer, want ToolRequest")
				}
				if r.Text != tt.wantText {
					t.Errorf("text = %q, want %q", r.Text, tt.wantText)
				}
			case ToolRequest:
				if tt.wantFinal {
					t.Fatalf("got ToolRequest, want FinalAnswer")
				}
				if len(r.Calls) != tt.wantCalls || r.Text != tt.wantText {
					t.Errorf("request = %+v", r)
				}
			default:
				t.Fatalf("unexpected response type %T", got)
			}
		})
	}
}

func TestComplete_AssignsUniqueIDs(t *testing.T) {
	stub := &stubClient{resp: &ChatResponse{Message: Message{ToolCalls: []ToolCall{
		{Function: FunctionCall{Name: "save_memory"}},
		{ID: "dup", Function: FunctionCall{Name: "search_memory"}},
		{ID: "dup", Function: FunctionCall{Name: "search_memory"}},
	}}}}

	got, err := Complete(context.Background(), stub, "m", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := got.(ToolRequest)
	seen := map[string]bool{}
	for _, c := range req.Calls {
		if c.ID == "" {
			t.Error("call without ID")
		}
		if seen[c.ID] {
			t.Errorf("duplicate ID %q", c.ID)
		}
		seen[c.ID] = true
		if c.Function.Arguments == nil {
			t.Error("nil arguments should be normalized to an empty map")
		}
	}
	if req.Calls[1].ID != "dup" {
		t.Errorf("first occurrence of an ID should be kept, got %q", req.Calls[1].ID)
	}
}

func TestComplete_Errors(t *testing.T) {
	t.Run("unnamed tool call", func(t *testing.T) {
		stub := &stubClient{resp: &ChatResponse{Message: Message{ToolCalls: []ToolCall{{ID: "x"}}}}}
		_, err := Complete(context.Background(), stub, "m", nil, nil)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("expected *ProtocolError, got %v", err)
		}
	})

	t.Run("nil response", func(t *testing.T) {
		_, err := Complete(context.Background(), &stubClient{}, "m", nil, nil)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("expected *ProtocolError, got %v", err)
		}
	})

	t.Run("provider error passes through", func(t *testing.T) {
		want := unavailable("test", errors.New("connection reset"))
		_, err := Complete(context.Background(), &stubClient{err: want}, "m", nil, nil)
		if !errors.Is(err, ErrModelUnavailable) {
			t.Fatalf("expected ErrModelUnavailable, got %v", err)
		}
	})
}
