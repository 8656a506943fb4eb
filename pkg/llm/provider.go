// Package llm provides the chat-completion provider abstraction
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles as they appear on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message in a conversation history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolSpec is the schema contract exposed to the model for one tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Completion is one model turn: either direct content, tool calls, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider produces chat completions with tool support.
type Provider interface {
	Complete(ctx context.Context, history []Message, tools []ToolSpec) (*Completion, error)
}

// ErrorKind classifies provider failures for user-facing handling.
type ErrorKind string

const (
	ErrTimeout      ErrorKind = "timeout"
	ErrUnauthorized ErrorKind = "unauthorized"
	ErrRateLimited  ErrorKind = "rate-limited"
	ErrGeneric      ErrorKind = "generic"
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("completion provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or ErrGeneric for anything
// that is not a ProviderError. A context deadline counts as a timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrGeneric
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrGeneric
}
