// Package tools defines the tools available to the agent and the
// registry that dispatches model tool calls to them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single tool invocation when neither the
// registry nor the tool sets one.
const DefaultTimeout = 60 * time.Second

// Handler executes a tool. args is the decoded argument object from the
// model; the returned text becomes the tool-result message.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// Timeout overrides the registry timeout for this tool. Zero uses
	// the registry default.
	Timeout time.Duration `json:"-"`

	// Idempotent marks tools that are safe to call twice with the same
	// arguments (reads). Informational only; the registry never retries.
	Idempotent bool `json:"-"`
}

// Registry holds available tools. Registration happens at startup;
// after that the registry is read-only and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A timeout of zero means
// [DefaultTimeout].
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool. Names must be unique and non-empty and every
// tool needs a handler.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return &RegistrationError{Reason: "nil tool"}
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return &RegistrationError{Reason: "empty name"}
	}
	if name != t.Name {
		return &RegistrationError{Name: t.Name, Reason: "name has surrounding whitespace"}
	}
	if t.Handler == nil {
		return &RegistrationError{Name: name, Reason: "nil handler"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return &RegistrationError{Name: name, Reason: "already registered"}
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Describe returns every registered tool sorted by name.
func (r *Registry) Describe() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the tool list in the function-calling shape
// every model client accepts.
func (r *Registry) Definitions() []map[string]any {
	tools := r.Describe()
	result := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Invoke runs a tool by name. Failures come back as [*NotFoundError],
// [*TimeoutError] or [*ExecutionError]. A panicking handler is reported
// as an ExecutionError. Invoke never retries.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &NotFoundError{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	timeout := r.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := tool.Handler(ctx, args)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		if res.err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", &TimeoutError{Name: name, Timeout: timeout}
			}
			r.logger.Debug("tool failed", "tool", name, "elapsed", elapsed, "error", res.err)
			return "", &ExecutionError{Name: name, Err: res.err}
		}
		r.logger.Debug("tool completed", "tool", name, "elapsed", elapsed, "result_len", len(res.out))
		return res.out, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("tool timed out", "tool", name, "timeout", timeout)
			return "", &TimeoutError{Name: name, Timeout: timeout}
		}
		return "", &ExecutionError{Name: name, Err: ctx.Err()}
	}
}
