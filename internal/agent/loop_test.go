package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/persona"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/tools"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error // errs[i] is returned instead of responses[i] when set
	callIndex int
	calls     []mockLLMCall
	// respond, when set, replaces the scripted responses.
	respond func(msgs []llm.Message) (*llm.ChatResponse, error)
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: cp, Tools: td})

	if m.respond != nil {
		return m.respond(cp)
	}
	i := m.callIndex
	m.callIndex++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", i)
	}
	return m.responses[i], nil
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func text(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: s}}
}

func toolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func staticTool(name, out string) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "test tool " + name,
		Handler: func(context.Context, map[string]any) (string, error) {
			return out, nil
		},
	}
}

type testLoop struct {
	*Loop
	store  *memory.MemStore
	sleeps []time.Duration
}

func buildTestLoop(t *testing.T, mock *mockLLM, cfg Config, toolset ...*tools.Tool) *testLoop {
	t.Helper()
	reg := tools.NewRegistry(time.Second, nil)
	for _, tool := range toolset {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	store := memory.NewMemStore()
	injector := persona.NewInjector(persona.Config{Timezone: time.UTC})

	tl := &testLoop{store: store}
	tl.Loop = NewLoop(cfg, store, mock, reg, injector, slog.Default())
	fixed := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	tl.now = func() time.Time { return fixed }
	tl.sleep = func(_ context.Context, d time.Duration) error {
		tl.sleeps = append(tl.sleeps, d)
		return nil
	}
	return tl
}

func TestRun_PlainAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Good morning, Sir.")}}
	l := buildTestLoop(t, mock, Config{})

	res, err := l.Run(context.Background(), "c1", "Good morning")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Answer != "Good morning, Sir." || res.Outcome != OutcomeAnswered || res.Steps != 1 {
		t.Errorf("result = %+v", res)
	}
	if mock.calls[0].Model != "test-model" {
		t.Errorf("model = %q", mock.calls[0].Model)
	}
}

func TestRun_DirectiveSingleton(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		text("first"),
		toolCalls(call("c-1", "lookup", nil)),
		text("second"),
	}}
	l := buildTestLoop(t, mock, Config{}, staticTool("lookup", "data"))
	ctx := context.Background()

	if _, err := l.Run(ctx, "c1", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(ctx, "c1", "two"); err != nil {
		t.Fatal(err)
	}

	for i, c := range mock.calls {
		if c.Messages[0].Role != llm.RoleSystem {
			t.Errorf("call %d: first message role = %q, want system", i, c.Messages[0].Role)
		}
		for j, m := range c.Messages[1:] {
			if m.Role == llm.RoleSystem {
				t.Errorf("call %d: extra system message at %d", i, j+1)
			}
		}
	}

	hist, _ := l.store.Read(ctx, "c1")
	systems := 0
	for _, m := range hist {
		if m.Role == llm.RoleSystem {
			systems++
		}
	}
	if systems != 1 || hist[0].Role != llm.RoleSystem {
		t.Errorf("stored history has %d system messages, head %q", systems, hist[0].Role)
	}
	if !strings.Contains(hist[0].Content, "Monday, 05 January 2026, 09:30 AM") {
		t.Errorf("directive should carry the current time: %q", hist[0].Content)
	}
}

func TestRun_LongestCandidateWins(t *testing.T) {
	long := strings.Repeat("x", 5000)
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c-1", "report", nil)),
		text("Done."),
	}}
	l := buildTestLoop(t, mock, Config{}, staticTool("report", long))

	res, err := l.Run(context.Background(), "c1", "write the report")
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != long {
		t.Errorf("answer has %d chars, want the 5000-char tool result", len(res.Answer))
	}
}

func TestRun_NeverEchoesUserText(t *testing.T) {
	userText := strings.Repeat("please remember this very long instruction ", 20)

	t.Run("short answer beats long user text", func(t *testing.T) {
		mock := &mockLLM{responses: []*llm.ChatResponse{text("Noted.")}}
		l := buildTestLoop(t, mock, Config{})
		res, err := l.Run(context.Background(), "c1", userText)
		if err != nil {
			t.Fatal(err)
		}
		if res.Answer != "Noted." {
			t.Errorf("answer = %q", res.Answer)
		}
	})

	t.Run("model echo is not an answer", func(t *testing.T) {
		mock := &mockLLM{responses: []*llm.ChatResponse{text(userText)}}
		l := buildTestLoop(t, mock, Config{})
		res, err := l.Run(context.Background(), "c1", userText)
		if !errors.Is(err, ErrTurnProducedNoAnswer) {
			t.Fatalf("err = %v, want ErrTurnProducedNoAnswer", err)
		}
		if res.Answer != NoticeNoAnswer {
			t.Errorf("answer = %q", res.Answer)
		}
	})
}

func TestRun_EmptyFinalWithNoCandidates(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("   ")}}
	l := buildTestLoop(t, mock, Config{})

	res, err := l.Run(context.Background(), "c1", "hi")
	if !errors.Is(err, ErrTurnProducedNoAnswer) {
		t.Fatalf("err = %v", err)
	}
	if res.Outcome != OutcomeNoAnswer {
		t.Errorf("outcome = %q", res.Outcome)
	}

	hist, _ := l.store.Read(context.Background(), "c1")
	if last := hist[len(hist)-1]; last.Role != llm.RoleAssistant || last.Content != NoticeNoAnswer {
		t.Errorf("closing message = %+v", last)
	}
}

func TestRun_StepLimit(t *testing.T) {
	n := 0
	mock := &mockLLM{respond: func([]llm.Message) (*llm.ChatResponse, error) {
		n++
		return toolCalls(call(fmt.Sprintf("c-%d", n), "step", nil)), nil
	}}
	results := []string{"short", "the longest tool output of all", "mid length"}
	i := 0
	var mu sync.Mutex
	stepTool := &tools.Tool{Name: "step", Handler: func(context.Context, map[string]any) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		out := results[i%len(results)]
		i++
		return out, nil
	}}
	l := buildTestLoop(t, mock, Config{MaxSteps: 3}, stepTool)

	res, err := l.Run(context.Background(), "c1", "loop forever")
	if !errors.Is(err, ErrTurnStepLimitExceeded) {
		t.Fatalf("err = %v, want ErrTurnStepLimitExceeded", err)
	}
	if mock.callCount() != 3 {
		t.Errorf("model calls = %d, want 3", mock.callCount())
	}
	if res.Answer != "the longest tool output of all" {
		t.Errorf("best-effort answer = %q", res.Answer)
	}

	hist, _ := l.store.Read(context.Background(), "c1")
	last := hist[len(hist)-1]
	if last.Role != llm.RoleAssistant || last.Content != res.Answer {
		t.Errorf("turn should close with an assistant message, got %+v", last)
	}

	got, err := l.HandleTurn(context.Background(), "c2", "again")
	if err != nil {
		t.Fatalf("HandleTurn error: %v", err)
	}
	if got == "" {
		t.Error("HandleTurn should return best-effort text")
	}
}

func TestRun_ConversationsIsolated(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := &tools.Tool{
		Name:    "slow",
		Timeout: 5 * time.Second,
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			if tools.ConversationIDFromContext(ctx) == "a" {
				close(entered)
				<-release
			}
			return "slow result", nil
		},
	}
	mock := &mockLLM{respond: func(msgs []llm.Message) (*llm.ChatResponse, error) {
		last := msgs[len(msgs)-1]
		if last.Role == llm.RoleUser {
			return toolCalls(call("c-1", "slow", nil)), nil
		}
		return text("finished " + msgs[1].Content), nil
	}}
	l := buildTestLoop(t, mock, Config{}, blocking)

	doneA := make(chan string)
	go func() {
		ans, _ := l.HandleTurn(context.Background(), "a", "from a")
		doneA <- ans
	}()
	<-entered

	ansB, err := l.HandleTurn(context.Background(), "b", "from b")
	if err != nil {
		t.Fatal(err)
	}
	if ansB != "finished from b" {
		t.Errorf("b answer = %q", ansB)
	}

	close(release)
	if ansA := <-doneA; ansA != "finished from a" {
		t.Errorf("a answer = %q", ansA)
	}

	histA, _ := l.store.Read(context.Background(), "a")
	for _, m := range histA {
		if strings.Contains(m.Content, "from b") {
			t.Errorf("conversation a saw b's message: %q", m.Content)
		}
	}
}

func TestRun_SameConversationSerialized(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	mock := &mockLLM{}
	mock.respond = func([]llm.Message) (*llm.ChatResponse, error) {
		return toolCalls(call("c-1", "track", nil)), nil
	}
	track := &tools.Tool{Name: "track", Handler: func(context.Context, map[string]any) (string, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	}}
	l := buildTestLoop(t, mock, Config{MaxSteps: 1}, track)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.HandleTurn(context.Background(), "same", fmt.Sprintf("msg %d", i))
		}(i)
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent turns on one conversation = %d, want 1", maxActive)
	}

	// Every user message is followed by an assistant or tool message
	// before the next user message.
	hist, _ := l.store.Read(context.Background(), "same")
	prevUser := false
	for _, m := range hist {
		if m.Role == llm.RoleUser && prevUser {
			t.Fatal("two consecutive user messages")
		}
		prevUser = m.Role == llm.RoleUser
	}
}

func TestRun_SaveNoteScenario(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c-1", "save_memory", map[string]any{"text": "Buy milk tomorrow"})),
		text("I've saved a note for you to buy milk tomorrow."),
	}}
	l := buildTestLoop(t, mock, Config{}, staticTool("save_memory", "Success: Buy milk tomorrow..."))

	got, err := l.HandleTurn(context.Background(), "c1", "note: buy milk tomorrow")
	if err != nil {
		t.Fatal(err)
	}
	if got != "I've saved a note for you to buy milk tomorrow." {
		t.Errorf("answer = %q", got)
	}

	// The second model call sees the tool result tagged with its call id.
	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "c-1" || last.Content != "Success: Buy milk tomorrow..." {
		t.Errorf("tool result message = %+v", last)
	}
}

func TestRun_MeetingReportScenario(t *testing.T) {
	report := "# Executive Summary\n" + strings.Repeat("Decision recorded. ", 1100)
	if len(report) < 20000 {
		t.Fatalf("report too short: %d", len(report))
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c-1", "analyze_meeting", map[string]any{"transcript": "..."})),
		text("All set!"),
	}}
	l := buildTestLoop(t, mock, Config{}, staticTool("analyze_meeting", report))

	got, err := l.HandleTurn(context.Background(), "c1", "Analyze this meeting: ...")
	if err != nil {
		t.Fatal(err)
	}
	if got != report {
		t.Errorf("answer = %q..., want the full report", got[:min(len(got), 40)])
	}
}

func TestRun_ToolErrorsFedBackAndSiblingsIsolated(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("c-1", "broken", nil),
			call("c-2", "works", nil),
			call("c-3", "missing", nil),
		),
		text("Partial results are in."),
	}}
	broken := &tools.Tool{Name: "broken", Handler: func(context.Context, map[string]any) (string, error) {
		return "", errors.New("calendar offline")
	}}
	l := buildTestLoop(t, mock, Config{}, broken, staticTool("works", "three events"))

	if _, err := l.Run(context.Background(), "c1", "what's on?"); err != nil {
		t.Fatal(err)
	}

	msgs := mock.calls[1].Messages
	results := msgs[len(msgs)-3:]
	want := []struct{ id, prefix string }{
		{"c-1", "Error: tool broken failed: calendar offline"},
		{"c-2", "three events"},
		{"c-3", `Error: tool "missing" is not available`},
	}
	for i, w := range want {
		if results[i].Role != llm.RoleTool || results[i].ToolCallID != w.id {
			t.Errorf("result %d = %+v, want tool result for %s", i, results[i], w.id)
		}
		if !strings.HasPrefix(results[i].Content, w.prefix) {
			t.Errorf("result %d content = %q, want prefix %q", i, results[i].Content, w.prefix)
		}
	}
}

func TestRun_ToolsRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(context.Context, map[string]any) (string, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return "met", nil
		case <-time.After(500 * time.Millisecond):
			return "", errors.New("sibling never started")
		}
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c-1", "left", nil), call("c-2", "right", nil)),
		text("ok"),
	}}
	l := buildTestLoop(t, mock, Config{},
		&tools.Tool{Name: "left", Handler: barrier},
		&tools.Tool{Name: "right", Handler: barrier},
	)

	if _, err := l.Run(context.Background(), "c1", "both"); err != nil {
		t.Fatal(err)
	}
	msgs := mock.calls[1].Messages
	for _, m := range msgs[len(msgs)-2:] {
		if m.Content != "met" {
			t.Errorf("tool result = %q, want met", m.Content)
		}
	}
}

func TestRun_RetriesUnavailableModel(t *testing.T) {
	mock := &mockLLM{
		errs:      []error{fmt.Errorf("ollama: %w", llm.ErrModelUnavailable), nil},
		responses: []*llm.ChatResponse{nil, text("back online")},
	}
	l := buildTestLoop(t, mock, Config{ModelRetries: 1, RetryBackoff: 100 * time.Millisecond})

	res, err := l.Run(context.Background(), "c1", "hello?")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Answer != "back online" {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(l.sleeps) != 1 || l.sleeps[0] != 100*time.Millisecond {
		t.Errorf("sleeps = %v", l.sleeps)
	}
}

func TestRun_RetryBoundAndBackoff(t *testing.T) {
	unavailable := fmt.Errorf("openai: %w", llm.ErrModelUnavailable)
	mock := &mockLLM{errs: []error{unavailable, unavailable, unavailable, unavailable}}
	l := buildTestLoop(t, mock, Config{ModelRetries: 2, RetryBackoff: 10 * time.Millisecond})

	res, err := l.Run(context.Background(), "c1", "hello?")
	if !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if mock.callCount() != 3 {
		t.Errorf("model calls = %d, want 3", mock.callCount())
	}
	if len(l.sleeps) != 2 || l.sleeps[1] != 20*time.Millisecond {
		t.Errorf("sleeps = %v, want doubling backoff", l.sleeps)
	}
	if res.Answer != NoticeModelFailure || res.Outcome != OutcomeModelFailure {
		t.Errorf("result = %+v", res)
	}

	got, err := l.HandleTurn(context.Background(), "c2", "hello?")
	if err != nil || got != NoticeModelFailure {
		t.Errorf("HandleTurn = %q, %v", got, err)
	}
}

func TestRun_ProtocolErrorNotRetried(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c-1", "  ", nil)),
	}}
	l := buildTestLoop(t, mock, Config{ModelRetries: 3})

	_, err := l.Run(context.Background(), "c1", "hi")
	var pe *llm.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if mock.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", mock.callCount())
	}
}

func TestRun_ProtocolErrorAnswersWithNotice(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c-1", "report", nil)),
		toolCalls(call("c-2", "", nil)),
	}}
	l := buildTestLoop(t, mock, Config{}, staticTool("report", strings.Repeat("r", 300)))

	res, err := l.Run(context.Background(), "c1", "write the report")
	var pe *llm.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if res.Outcome != OutcomeModelFailure {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomeModelFailure)
	}
	if res.Answer != NoticeModelFailure {
		t.Errorf("answer = %q (%d chars), want the failure notice", res.Answer, len(res.Answer))
	}
}

func TestRun_StepLimitIgnoresModelText(t *testing.T) {
	chatter := "Let me look this up in more detail for you, one moment while I run the tool again."
	n := 0
	mock := &mockLLM{respond: func([]llm.Message) (*llm.ChatResponse, error) {
		n++
		resp := toolCalls(call(fmt.Sprintf("c-%d", n), "lookup", nil))
		resp.Message.Content = chatter
		return resp, nil
	}}
	l := buildTestLoop(t, mock, Config{MaxSteps: 2}, staticTool("lookup", "tool says ok"))

	res, err := l.Run(context.Background(), "c1", "find it")
	if !errors.Is(err, ErrTurnStepLimitExceeded) {
		t.Fatalf("err = %v, want ErrTurnStepLimitExceeded", err)
	}
	if res.Answer != "tool says ok" {
		t.Errorf("answer = %q, want the tool result", res.Answer)
	}
}

func TestRun_StepLimitWithoutToolOutput(t *testing.T) {
	n := 0
	mock := &mockLLM{respond: func([]llm.Message) (*llm.ChatResponse, error) {
		n++
		resp := toolCalls(call(fmt.Sprintf("c-%d", n), "quiet", nil))
		resp.Message.Content = "still working on it"
		return resp, nil
	}}
	l := buildTestLoop(t, mock, Config{MaxSteps: 2}, staticTool("quiet", ""))

	res, err := l.Run(context.Background(), "c1", "go")
	if !errors.Is(err, ErrTurnStepLimitExceeded) {
		t.Fatalf("err = %v, want ErrTurnStepLimitExceeded", err)
	}
	if res.Answer != NoticeStepLimit {
		t.Errorf("answer = %q, want step limit notice", res.Answer)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mock := &mockLLM{}
	mock.respond = func(msgs []llm.Message) (*llm.ChatResponse, error) {
		if msgs[len(msgs)-1].Role == llm.RoleUser {
			return toolCalls(call("c-1", "commit", nil)), nil
		}
		cancel()
		return nil, context.Canceled
	}
	l := buildTestLoop(t, mock, Config{ModelRetries: 2}, staticTool("commit", "side effect committed"))

	_, err := l.HandleTurn(ctx, "c1", "go")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if mock.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", mock.callCount())
	}

	hist, _ := l.store.Read(context.Background(), "c1")
	last := hist[len(hist)-1]
	if last.Role != llm.RoleAssistant || last.Content != NoticeModelFailure {
		t.Errorf("closing message = %+v, want failure notice", last)
	}
}

type failingStore struct {
	*memory.MemStore
}

func (failingStore) Append(context.Context, string, ...llm.Message) error {
	return fmt.Errorf("%w: disk I/O error", memory.ErrStoreUnavailable)
}

func TestRun_StoreUnavailablePropagates(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("unused")}}
	l := buildTestLoop(t, mock, Config{})
	l.store2(failingStore{memory.NewMemStore()})

	_, err := l.HandleTurn(context.Background(), "c1", "hi")
	if !errors.Is(err, memory.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if mock.callCount() != 0 {
		t.Errorf("model should not be called when the store is down")
	}
}

// store2 swaps the backing store.
func (tl *testLoop) store2(s memory.Store) { tl.Loop.store = s }

type recordingObserver struct {
	mu      sync.Mutex
	results []*TurnResult
}

func (o *recordingObserver) TurnCompleted(_ context.Context, r *TurnResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

type recordingAudit struct {
	mu        sync.Mutex
	started   []string
	completed map[string]string
}

func (a *recordingAudit) RecordToolCall(_ context.Context, conv, callID, name, args string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, conv+"/"+callID+"/"+name+"/"+args)
	return "row-" + callID, nil
}

func (a *recordingAudit) CompleteToolCall(_ context.Context, id, result, errMsg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed == nil {
		a.completed = map[string]string{}
	}
	a.completed[id] = result + "|" + errMsg
	return nil
}

func TestRun_ObserverAndAudit(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c-1", "lookup", map[string]any{"q": "x"})),
		text("Here you go."),
	}}
	l := buildTestLoop(t, mock, Config{}, staticTool("lookup", "found"))
	obs := &recordingObserver{}
	audit := &recordingAudit{}
	l.AddObserver(obs)
	l.SetAudit(audit)

	if _, err := l.Run(context.Background(), "c9", "find x"); err != nil {
		t.Fatal(err)
	}

	if len(obs.results) != 1 {
		t.Fatalf("observer called %d times", len(obs.results))
	}
	r := obs.results[0]
	if r.ConversationID != "c9" || r.Steps != 2 || len(r.Tools) != 1 || r.Tools[0] != "lookup" {
		t.Errorf("observed = %+v", r)
	}

	if len(audit.started) != 1 || audit.started[0] != `c9/c-1/lookup/{"q":"x"}` {
		t.Errorf("audit started = %v", audit.started)
	}
	if audit.completed["row-c-1"] != "found|" {
		t.Errorf("audit completed = %v", audit.completed)
	}
}

func TestSelectAnswer(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       string
		ok         bool
	}{
		{"none", nil, "", false},
		{"single", []string{"hi"}, "hi", true},
		{"longest wins", []string{"Done.", "a much longer reply", "ok"}, "a much longer reply", true},
		{"tie goes to later", []string{"abc", "xyz"}, "xyz", true},
		{"counts characters not bytes", []string{"ééé", "abcd"}, "abcd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectAnswer(tt.candidates)
			if got != tt.want || ok != tt.ok {
				t.Errorf("selectAnswer = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
