package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/tools"
)

// dispatch runs every call concurrently and returns one tool-result
// message per call, in call order. A failing call never affects its
// siblings; its error becomes the result text.
func (t *turn) dispatch(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		t.result.Tools = append(t.result.Tools, call.Function.Name)
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = llm.Message{
				Role:       llm.RoleTool,
				Content:    t.invoke(ctx, call),
				ToolCallID: call.ID,
			}
		}(i, call)
	}

	wg.Wait()
	return results
}

// invoke runs a single call and renders its outcome as text.
func (t *turn) invoke(ctx context.Context, call llm.ToolCall) string {
	l := t.loop
	name := call.Function.Name

	ctx = tools.WithCall(ctx, tools.Call{ConversationID: t.convID, CallID: call.ID, Tool: name})

	argsJSON, _ := json.Marshal(call.Function.Arguments)
	var auditID string
	if l.audit != nil {
		id, err := l.audit.RecordToolCall(ctx, t.convID, call.ID, name, string(argsJSON))
		if err != nil {
			l.logger.Warn("failed to record tool call", "tool", name, "error", err)
		}
		auditID = id
	}

	start := time.Now()
	out, err := l.tools.Invoke(ctx, name, call.Function.Arguments)
	elapsed := time.Since(start)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		out = "Error: " + errMsg
		l.logger.Warn("tool call failed",
			"conversation", t.convID,
			"tool", name,
			"call_id", call.ID,
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		l.logger.Debug("tool call complete",
			"conversation", t.convID,
			"tool", name,
			"call_id", call.ID,
			"elapsed", elapsed,
			"result_len", len(out),
		)
	}

	if auditID != "" {
		result := out
		if err != nil {
			result = ""
		}
		if err := l.audit.CompleteToolCall(context.WithoutCancel(ctx), auditID, result, errMsg); err != nil {
			l.logger.Warn("failed to complete tool call record", "tool", name, "error", err)
		}
	}
	return out
}
