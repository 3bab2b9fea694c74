// Package temporal implements engine.Engine over go.temporal.io/sdk,
// giving conversation turns crash-recoverable durable execution. Adapted
// (substantially trimmed relative to the teacher's ~600-line version) from
// runtime/agent/engine/temporal: the teacher's client/worker lifecycle
// management is kept behind a single Options struct; the teacher's
// instrumentation-bundle wiring is simplified to a single otel tracer
// interceptor via go.temporal.io/sdk/contrib/opentelemetry.
package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalopentelemetry "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/turnloop/turnloop/internal/engine"
	"github.com/turnloop/turnloop/internal/telemetry"
)

// Options configures Engine.
type Options struct {
	Client            client.Client
	DefaultTaskQueue  string
	Logger            telemetry.Logger
	DisableAutoWorker bool
}

// Engine adapts a Temporal client + worker pool to engine.Engine.
type Engine struct {
	client    client.Client
	taskQueue string
	logger    telemetry.Logger
	worker    worker.Worker
	autoStart bool
}

// New builds an Engine over an already-connected Temporal client.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Noop{}
	}
	queue := opts.DefaultTaskQueue
	if queue == "" {
		queue = "turnloop-default"
	}
	tracingInterceptor, err := temporalopentelemetry.NewTracingInterceptor(temporalopentelemetry.TracerOptions{})
	if err != nil {
		return nil, err
	}
	w := worker.New(opts.Client, queue, worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{tracingInterceptor},
	})
	e := &Engine{client: opts.Client, taskQueue: queue, logger: logger, worker: w, autoStart: !opts.DisableAutoWorker}
	return e, nil
}

// Run starts the underlying Temporal worker; it blocks until ctx is done.
// When Options.DisableAutoWorker was set it starts nothing and returns nil
// at once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.autoStart {
		return nil
	}
	go func() {
		<-ctx.Done()
		e.worker.Stop()
	}()
	return e.worker.Run(worker.InterruptCh())
}

func (e *Engine) RegisterWorkflow(def engine.WorkflowDefinition) {
	e.worker.RegisterWorkflowWithOptions(wrapWorkflow(def.Handler), workflow.RegisterOptions{Name: def.Name})
}

func (e *Engine) RegisterActivity(def engine.ActivityDefinition) {
	e.worker.RegisterActivityWithOptions(wrapActivity(def.Handler), activity.RegisterOptions{Name: def.Name})
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	queue := req.TaskQueue
	if queue == "" {
		queue = e.taskQueue
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    req.ID,
		TaskQueue:             queue,
		WorkflowIDReusePolicy: sdktemporal.WorkflowIDReusePolicyAllowDuplicate,
	}, req.Workflow, req.Input)
	if err != nil {
		// A duplicate-start is not an error for this spec's one-workflow-
		// per-conversation concurrency rule: return the existing handle.
		if existing, gerr := e.GetWorkflow(ctx, req.ID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return &handle{client: e.client, id: run.GetID(), runID: run.GetRunID()}, nil
}

func (e *Engine) GetWorkflow(ctx context.Context, id string) (engine.WorkflowHandle, error) {
	desc, err := e.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		return nil, err
	}
	return &handle{client: e.client, id: id, runID: desc.WorkflowExecutionInfo.Execution.RunId}, nil
}

type handle struct {
	client client.Client
	id     string
	runID  string
}

func (h *handle) ID() string { return h.id }

func (h *handle) Wait(ctx context.Context, out any) error {
	run := h.client.GetWorkflow(ctx, h.id, h.runID)
	return run.Get(ctx, out)
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.id, h.runID, name, payload)
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.client.SignalWorkflow(ctx, h.id, h.runID, "__cancel__", struct{}{})
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.WorkflowHandle = (*handle)(nil)

// wrapWorkflow adapts an engine.WorkflowFunc to a Temporal workflow entry
// point, and wrapActivity similarly for engine.ActivityFunc; both forward
// through a workflowContext/activity.Context shim so the teacher's Engine
// abstraction can drive either backend unmodified.
func wrapWorkflow(fn engine.WorkflowFunc) any {
	return func(ctx workflow.Context, input any) (any, error) {
		wfCtx := &workflowContext{ctx: ctx}
		return fn(wfCtx, input)
	}
}

func wrapActivity(fn engine.ActivityFunc) any {
	return func(ctx context.Context, input any) (any, error) {
		return fn(ctx, input)
	}
}

type workflowContext struct {
	ctx workflow.Context
}

// Context returns a plain context.Context for callers that only need it to
// carry values into non-deterministic helpers (logging field extraction,
// mostly); it must never be used for cancellation inside workflow code —
// Temporal workflows replay deterministically and only w.ctx's own
// Done()/Err() are replay-safe.
func (w *workflowContext) Context() context.Context {
	return context.Background()
}

func (w *workflowContext) WorkflowID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.ID
}

func (w *workflowContext) RunID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.RunID
}

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) ExecuteActivity(opts engine.ActivityOptions, name string, input any) engine.Future {
	ctx := workflow.WithActivityOptions(w.ctx, workflow.ActivityOptions{
		TaskQueue:           opts.Queue,
		StartToCloseTimeout: opts.Timeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			MaximumAttempts:    int32(opts.RetryPolicy.MaxAttempts),
			InitialInterval:    opts.RetryPolicy.InitialInterval,
			BackoffCoefficient: opts.RetryPolicy.BackoffCoefficient,
		},
	})
	return &future{ctx: ctx, future: workflow.ExecuteActivity(ctx, name, input)}
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

// future wraps a workflow.Future. It keeps the workflow.Context it was
// created under because Temporal's Future.Get needs one, not the
// context.Context the engine.Future interface exposes to callers.
type future struct {
	ctx    workflow.Context
	future workflow.Future
}

func (f *future) Get(_ context.Context, out any) error {
	return f.future.Get(f.ctx, out)
}

func (f *future) IsReady() bool { return f.future.IsReady() }

type signalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *signalChannel) Receive(ctx context.Context, out any) error {
	s.ch.Receive(s.ctx, out)
	return nil
}

func (s *signalChannel) ReceiveAsync(out any) bool {
	return s.ch.ReceiveAsync(out)
}
