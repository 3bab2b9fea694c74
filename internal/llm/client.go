// Package llm defines the LLM Streaming Client abstraction (C5): a
// provider-agnostic Client interface plus a tagged StreamEvent union,
// grounded on the teacher's runtime/agent/stream.Event design (a Type()
// discriminant over concrete payload structs) applied to model output
// instead of workflow hook events.
package llm

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a Message in a completion request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of conversation history sent to the model.
type Message struct {
	Role    Role
	Content string
	// ToolCallID, when Role is RoleTool, ties the result to the tool call
	// that produced it.
	ToolCallID string
}

// ToolDeclaration is one tool the model may call, as exposed by the Tool
// Registry (C6).
type ToolDeclaration struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CompletionRequest is one streamed model invocation.
type CompletionRequest struct {
	ModelID      string
	Messages     []Message
	Tools        []ToolDeclaration
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// StreamEvent is the tagged union of events a Stream emits, mirroring the
// teacher's runtime/agent/stream.Event contract (Type()-discriminated,
// concrete payload types below).
type StreamEvent interface {
	Type() string
}

// TokenChunk carries one fragment of assistant text.
type TokenChunk struct {
	Text string
}

func (TokenChunk) Type() string { return "token_chunk" }

// ToolCallIntent is emitted once the model has fully decided to call a
// tool, with accumulated arguments as canonical JSON text.
type ToolCallIntent struct {
	ToolCallID string
	Name       string
	ArgsJSON   string
}

func (ToolCallIntent) Type() string { return "tool_call_intent" }

// Usage reports token accounting, delivered alongside Completed.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completed signals the stream finished normally.
type Completed struct {
	Usage        Usage
	StopReason   string
}

func (Completed) Type() string { return "completed" }

// Error signals the stream ended abnormally. Err is never nil.
type Error struct {
	Err error
}

func (Error) Type() string { return "error" }

// Sentinel errors a Client/Stream may surface, following the teacher's
// exported-sentinel pattern instead of string matching.
var (
	ErrStreamFatal      = errors.New("llm: fatal stream error")
	ErrIdleTimeout       = errors.New("llm: idle timeout waiting for next token")
	ErrCanceled          = errors.New("llm: stream canceled")
	ErrOverloaded        = errors.New("llm: admission queue overloaded")
)

// Stream yields StreamEvents for one completion request. Next blocks until
// the next event is available or ctx is canceled. The provider adapters
// apply no idle timeout of their own; none of them returns ErrIdleTimeout.
// After a Completed or Error event, subsequent Next calls return that same
// terminal event.
type Stream interface {
	Next(ctx context.Context) (StreamEvent, error)
	// Cancel requests the underlying provider call stop; a subsequent
	// Next call observes an Error event wrapping ErrCanceled.
	Cancel()
	Close() error
}

// Client streams a single completion request against one model backend.
type Client interface {
	Stream(ctx context.Context, req CompletionRequest) (Stream, error)
}

// RetryPolicy configures Gateway's exponential backoff on transient
// provider errors.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy mirrors the teacher engine's RetryPolicy defaults.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, Multiplier: 2}
