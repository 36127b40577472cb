// Package agent implements the core agent loop: one user message in,
// one answer out, with as many model and tool round trips in between
// as the model asks for.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/tools"
)

var (
	// ErrTurnStepLimitExceeded means the model kept requesting tools
	// past the configured step bound.
	ErrTurnStepLimitExceeded = errors.New("turn exceeded step limit")

	// ErrTurnProducedNoAnswer means the turn finished without any
	// non-empty text to return.
	ErrTurnProducedNoAnswer = errors.New("turn produced no answer")
)

// Notices returned when a turn cannot produce a real answer.
const (
	NoticeModelFailure = "I'm sorry, I couldn't complete that request right now. Please try again in a moment."
	NoticeNoAnswer     = "I'm sorry, I wasn't able to come up with an answer. Could you rephrase that?"
	NoticeStepLimit    = "I'm sorry, that took more steps than I'm allowed. Could you break the request into smaller parts?"
)

// Defaults for zero Config fields.
const (
	DefaultMaxSteps     = 8
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeAnswered     Outcome = "answered"
	OutcomeStepLimit    Outcome = "step_limit"
	OutcomeNoAnswer     Outcome = "no_answer"
	OutcomeModelFailure Outcome = "model_failure"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeStoreFailure Outcome = "store_failure"
)

// DirectiveSource renders the system directive. Implemented by
// persona.Injector.
type DirectiveSource interface {
	Directive(now time.Time) llm.Message
	Apply(history []llm.Message, now time.Time) []llm.Message
}

// TurnObserver is told about every finished turn.
type TurnObserver interface {
	TurnCompleted(ctx context.Context, result *TurnResult)
}

// Config tunes the loop.
type Config struct {
	Model        string
	MaxSteps     int
	ModelRetries int
	RetryBackoff time.Duration
}

// TurnResult describes a finished turn.
type TurnResult struct {
	ConversationID string        `json:"conversation_id"`
	Answer         string        `json:"answer"`
	Model          string        `json:"model"`
	Steps          int           `json:"steps"`
	Tools          []string      `json:"tools,omitempty"`
	Outcome        Outcome       `json:"outcome"`
	Duration       time.Duration `json:"duration"`
}

// Loop is the core agent execution loop. It is safe for concurrent
// use; turns for the same conversation run one at a time.
type Loop struct {
	logger    *slog.Logger
	store     memory.Store
	llm       llm.Client
	tools     *tools.Registry
	persona   DirectiveSource
	audit     memory.ToolCallRecorder
	observers []TurnObserver
	cfg       Config

	turns memory.KeyedMutex
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoop creates a new agent loop.
func NewLoop(cfg Config, store memory.Store, client llm.Client, registry *tools.Registry, persona DirectiveSource, logger *slog.Logger) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ModelRetries < 0 {
		cfg.ModelRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:  logger.With("component", "agent"),
		store:   store,
		llm:     client,
		tools:   registry,
		persona: persona,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// SetAudit records every tool execution to rec.
func (l *Loop) SetAudit(rec memory.ToolCallRecorder) { l.audit = rec }

// AddObserver registers obs to hear about finished turns. Call before
// the loop starts serving.
func (l *Loop) AddObserver(obs TurnObserver) { l.observers = append(l.observers, obs) }

// Model returns the model the loop talks to.
func (l *Loop) Model() string { return l.cfg.Model }

// HandleTurn runs a turn and returns the text to show the user. Turn
// failures become apology text; only store failures and cancellation
// are returned as errors.
func (l *Loop) HandleTurn(ctx context.Context, conversationID, text string) (string, error) {
	res, err := l.Run(ctx, conversationID, text)
	if err != nil {
		if errors.Is(err, memory.ErrStoreUnavailable) || ctx.Err() != nil {
			return "", err
		}
		if res == nil {
			return "", err
		}
	}
	return res.Answer, nil
}

// Run executes one turn. The returned result is non-nil whenever the
// turn got as far as recording the user's message; err then explains
// any non-answered outcome.
func (l *Loop) Run(ctx context.Context, conversationID, text string) (*TurnResult, error) {
	if conversationID == "" {
		conversationID = "default"
	}

	unlock := l.turns.Lock(conversationID)
	defer unlock()

	start := l.now()
	t := &turn{
		loop:     l,
		convID:   conversationID,
		userText: text,
		result:   &TurnResult{ConversationID: conversationID, Model: l.cfg.Model},
	}

	l.logger.Info("turn started", "conversation", conversationID, "chars", len(text))

	err := t.run(ctx, start)
	t.result.Duration = l.now().Sub(start)

	if t.result.Outcome == OutcomeStoreFailure {
		l.logger.Error("turn aborted", "conversation", conversationID, "error", err)
		return nil, err
	}

	l.logger.Info("turn complete",
		"conversation", conversationID,
		"outcome", t.result.Outcome,
		"steps", t.result.Steps,
		"tools", len(t.result.Tools),
		"answer_chars", len(t.result.Answer),
		"elapsed", t.result.Duration.Round(time.Millisecond),
	)

	obsCtx := context.WithoutCancel(ctx)
	for _, obs := range l.observers {
		obs.TurnCompleted(obsCtx, t.result)
	}
	return t.result, err
}

// turn carries the state of one Run.
type turn struct {
	loop     *Loop
	convID   string
	userText string
	history  []llm.Message
	// candidates are the non-empty texts produced during this turn, in
	// order. The user's own text is never one of them.
	candidates []string
	// toolResults are the non-empty tool outputs, the only fallback
	// when the step limit is reached.
	toolResults []string
	result      *TurnResult
}

func (t *turn) run(ctx context.Context, now time.Time) error {
	l := t.loop

	directive := l.persona.Directive(now)
	if err := l.store.SetDirective(ctx, t.convID, directive); err != nil {
		t.result.Outcome = OutcomeStoreFailure
		return storeErr(err)
	}
	if err := l.store.Append(ctx, t.convID, llm.Message{Role: llm.RoleUser, Content: t.userText}); err != nil {
		t.result.Outcome = OutcomeStoreFailure
		return storeErr(err)
	}
	history, err := l.store.Read(ctx, t.convID)
	if err != nil {
		t.result.Outcome = OutcomeStoreFailure
		return storeErr(err)
	}
	t.history = l.persona.Apply(history, now)

	defs := l.tools.Definitions()

	for step := 1; step <= l.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return t.fail(ctx, OutcomeCancelled, NoticeModelFailure, nil, err)
		}
		t.result.Steps = step

		resp, err := t.complete(ctx, defs)
		if err != nil {
			if ctx.Err() != nil {
				return t.fail(ctx, OutcomeCancelled, NoticeModelFailure, nil, ctx.Err())
			}
			l.logger.Warn("model call failed", "conversation", t.convID, "step", step, "error", err)
			return t.fail(ctx, OutcomeModelFailure, NoticeModelFailure, nil, err)
		}

		switch r := resp.(type) {
		case llm.FinalAnswer:
			msg := llm.Message{Role: llm.RoleAssistant, Content: r.Text}
			if err := t.append(ctx, msg); err != nil {
				return err
			}
			t.addCandidate(r.Text)
			return t.finish(ctx)

		case llm.ToolRequest:
			msg := llm.Message{Role: llm.RoleAssistant, Content: r.Text, ToolCalls: r.Calls}
			if err := t.append(ctx, msg); err != nil {
				return err
			}
			t.addCandidate(r.Text)

			results := t.dispatch(ctx, r.Calls)
			if err := t.append(ctx, results...); err != nil {
				return err
			}
			for _, m := range results {
				t.addCandidate(m.Content)
				if out := strings.TrimSpace(m.Content); out != "" && out != strings.TrimSpace(t.userText) {
					t.toolResults = append(t.toolResults, m.Content)
				}
			}
		}
	}

	l.logger.Warn("step limit reached", "conversation", t.convID, "max_steps", l.cfg.MaxSteps)
	return t.fail(ctx, OutcomeStepLimit, NoticeStepLimit, t.toolResults, ErrTurnStepLimitExceeded)
}

// complete calls the model, retrying only when it is unavailable.
func (t *turn) complete(ctx context.Context, defs []map[string]any) (llm.Response, error) {
	l := t.loop
	backoff := l.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		resp, err := llm.Complete(ctx, l.llm, l.cfg.Model, t.history, defs)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, llm.ErrModelUnavailable) || attempt >= l.cfg.ModelRetries {
			return nil, err
		}
		l.logger.Info("model unavailable, retrying",
			"conversation", t.convID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		if err := l.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

// append stores msgs and extends the working history.
func (t *turn) append(ctx context.Context, msgs ...llm.Message) error {
	if err := t.loop.store.Append(ctx, t.convID, msgs...); err != nil {
		t.result.Outcome = OutcomeStoreFailure
		return storeErr(err)
	}
	t.history = append(t.history, msgs...)
	return nil
}

func (t *turn) addCandidate(text string) {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(text) == strings.TrimSpace(t.userText) {
		return
	}
	t.candidates = append(t.candidates, text)
}

// finish selects the answer after the model gave a final reply.
func (t *turn) finish(ctx context.Context) error {
	answer, ok := selectAnswer(t.candidates)
	if !ok {
		return t.fail(ctx, OutcomeNoAnswer, NoticeNoAnswer, nil, ErrTurnProducedNoAnswer)
	}
	t.result.Answer = answer
	t.result.Outcome = OutcomeAnswered
	return nil
}

// fail ends the turn with the longest of fallback, or notice when
// fallback is empty, and records it as the closing assistant message.
func (t *turn) fail(ctx context.Context, outcome Outcome, notice string, fallback []string, cause error) error {
	answer, ok := selectAnswer(fallback)
	if !ok {
		answer = notice
	}
	t.result.Answer = answer
	t.result.Outcome = outcome

	// The closing message is written even when ctx is done so the
	// conversation never ends on a dangling user message.
	if err := t.loop.store.Append(context.WithoutCancel(ctx), t.convID, llm.Message{Role: llm.RoleAssistant, Content: answer}); err != nil {
		t.result.Outcome = OutcomeStoreFailure
		return errors.Join(cause, storeErr(err))
	}
	return cause
}

// storeErr tags a store failure as [memory.ErrStoreUnavailable] unless
// it is plain cancellation.
func storeErr(err error) error {
	if errors.Is(err, memory.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", memory.ErrStoreUnavailable, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
