// Package engine decouples turn-workflow orchestration logic (C8's
// Conversation Runner) from the choice of durable-execution backend,
// adapted nearly verbatim from the teacher's runtime/agent/engine package
// — its Engine/WorkflowContext/SignalChannel/Future/ActivityRequest
// abstraction is domain-agnostic and fits this spec's runner unchanged.
// Two backends implement it: engine/inmem (goroutine-per-workflow, for
// tests and --engine=inmem) and engine/temporal (go.temporal.io/sdk, for
// crash-recoverable production execution).
package engine

import (
	"context"
	"time"
)

// WorkflowFunc is the entry point of one durable workflow execution.
type WorkflowFunc func(wfCtx WorkflowContext, input any) (any, error)

// WorkflowDefinition registers a named, routable workflow.
type WorkflowDefinition struct {
	Name      string
	TaskQueue string
	Handler   WorkflowFunc
}

// ActivityFunc is one unit of non-replayed work a workflow can schedule.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityDefinition registers a named activity.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
}

// RetryPolicy configures activity retry behavior.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffCoefficient float64
}

// ActivityOptions configures one ExecuteActivity call.
type ActivityOptions struct {
	Queue       string
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// ActivityRequest is one scheduled activity invocation.
type ActivityRequest struct {
	Name    string
	Input   any
	Queue   string
	RetryPolicy RetryPolicy
	Timeout time.Duration
}

// Future represents an asynchronously-executing activity's eventual result.
type Future interface {
	// Get blocks until the activity completes, decoding its result into
	// out (a pointer), and returns any activity error.
	Get(ctx context.Context, out any) error
	IsReady() bool
}

// SignalChannel receives named external signals delivered to a running
// workflow (approval decisions, pause/resume, cancellation).
type SignalChannel interface {
	// Receive blocks until a signal arrives, decoding its payload into out.
	Receive(ctx context.Context, out any) error
	// ReceiveAsync attempts a non-blocking receive, returning false if none
	// is pending.
	ReceiveAsync(out any) bool
}

// WorkflowContext is the handle a WorkflowFunc uses to interact with its
// host engine: scheduling activities, waiting on signals, and reading
// replay-safe time.
type WorkflowContext interface {
	Context() context.Context
	WorkflowID() string
	RunID() string
	ExecuteActivity(opts ActivityOptions, name string, input any) Future
	SignalChannel(name string) SignalChannel
	Now() time.Time
}

// WorkflowStartRequest starts a new workflow execution.
type WorkflowStartRequest struct {
	ID       string
	Workflow string
	TaskQueue string
	Input    any
}

// WorkflowHandle references a started workflow execution.
type WorkflowHandle interface {
	ID() string
	// Wait blocks until the workflow completes, decoding its result into out.
	Wait(ctx context.Context, out any) error
	// Signal delivers a named signal to the running workflow.
	Signal(ctx context.Context, name string, payload any) error
	Cancel(ctx context.Context) error
}

// Engine starts and drives durable workflow executions.
type Engine interface {
	RegisterWorkflow(def WorkflowDefinition)
	RegisterActivity(def ActivityDefinition)
	// StartWorkflow starts req.Workflow under req.ID. If a workflow is
	// already running under that id, implementations return the existing
	// handle rather than erroring (conversation-id-keyed workflows are
	// naturally deduplicated this way, satisfying the one-active-workflow-
	// per-conversation concurrency rule).
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	// GetWorkflow looks up a running or completed workflow by id.
	GetWorkflow(ctx context.Context, id string) (WorkflowHandle, error)
}
