package tools

import (
	"fmt"
	"time"
)

// RegistrationError reports a tool that cannot be registered.
type RegistrationError struct {
	Name   string
	Reason string
}

func (e *RegistrationError) Error() string {
	if e.Name == "" {
		return "register tool: " + e.Reason
	}
	return fmt.Sprintf("register tool %q: %s", e.Name, e.Reason)
}

// NotFoundError is returned when a call names a tool that is not in the
// registry. The model should be told and given a chance to pick another.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

// ExecutionError wraps a failure raised by a tool handler.
type ExecutionError struct {
	Name string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError is returned when a handler runs past its bound.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Name, e.Timeout)
}
