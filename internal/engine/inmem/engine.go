// Package inmem implements engine.Engine as goroutine-per-workflow
// execution with in-process channels standing in for durable signals and
// activity futures. Adapted from the teacher's runtime/agent/engine/inmem
// package; used by tests and the --engine=inmem dev server mode where a
// Temporal cluster is unavailable.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/turnloop/turnloop/internal/engine"
)

// ErrUnknownWorkflow is returned by StartWorkflow for an unregistered name.
var ErrUnknownWorkflow = errors.New("inmem: unknown workflow")

// ErrNotFound is returned by GetWorkflow for an unknown id.
var ErrNotFound = errors.New("inmem: workflow not found")

// Engine is an in-process engine.Engine.
type Engine struct {
	mu        sync.Mutex
	workflows map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityDefinition
	handles   map[string]*handle
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{
		workflows:  map[string]engine.WorkflowDefinition{},
		activities: map[string]engine.ActivityDefinition{},
		handles:    map[string]*handle{},
	}
}

func (e *Engine) RegisterWorkflow(def engine.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Name] = def
}

func (e *Engine) RegisterActivity(def engine.ActivityDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[def.Name] = def
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	if h, ok := e.handles[req.ID]; ok {
		select {
		case <-h.done:
		default:
			e.mu.Unlock()
			return h, nil
		}
	}
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownWorkflow
	}
	h := newHandle(req.ID, e)
	e.handles[req.ID] = h
	e.mu.Unlock()

	wfCtx := newWorkflowContext(ctx, req.ID, h, e)
	go func() {
		result, err := def.Handler(wfCtx, req.Input)
		h.finish(result, err)
	}()
	return h, nil
}

func (e *Engine) GetWorkflow(ctx context.Context, id string) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (e *Engine) activity(name string) (engine.ActivityDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.activities[name]
	return d, ok
}

// handle is both the engine.WorkflowHandle and the internal signal/result
// bookkeeping for one workflow run.
type handle struct {
	id       string
	engine   *Engine
	done     chan struct{}
	result   any
	err      error
	mu       sync.Mutex
	signals  map[string]chan any
}

func newHandle(id string, e *Engine) *handle {
	return &handle{id: id, engine: e, done: make(chan struct{}), signals: map[string]chan any{}}
}

func (h *handle) ID() string { return h.id }

func (h *handle) Wait(ctx context.Context, out any) error {
	select {
	case <-h.done:
		if h.err != nil {
			return h.err
		}
		return assign(out, h.result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	ch := h.signalChan(name)
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.Signal(ctx, "__cancel__", struct{}{})
}

func (h *handle) finish(result any, err error) {
	h.result, h.err = result, err
	close(h.done)
}

func (h *handle) signalChan(name string) chan any {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.signals[name]
	if !ok {
		ch = make(chan any, 16)
		h.signals[name] = ch
	}
	return ch
}

func assign(out, v any) error {
	if out == nil {
		return nil
	}
	return assignReflect(out, v)
}

type wfContext struct {
	ctx    context.Context
	id     string
	handle *handle
	engine *Engine
}

func newWorkflowContext(ctx context.Context, id string, h *handle, e *Engine) *wfContext {
	return &wfContext{ctx: ctx, id: id, handle: h, engine: e}
}

func (c *wfContext) Context() context.Context { return c.ctx }
func (c *wfContext) WorkflowID() string       { return c.id }
func (c *wfContext) RunID() string            { return c.id }
func (c *wfContext) Now() time.Time           { return time.Now() }

func (c *wfContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{ch: c.handle.signalChan(name)}
}

func (c *wfContext) ExecuteActivity(opts engine.ActivityOptions, name string, input any) engine.Future {
	f := &future{done: make(chan struct{})}
	def, ok := c.engine.activity(name)
	if !ok {
		f.err = ErrUnknownWorkflow
		close(f.done)
		return f
	}
	go func() {
		actCtx := c.ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			actCtx, cancel = context.WithTimeout(c.ctx, opts.Timeout)
			defer cancel()
		}
		result, err := runWithRetry(actCtx, def.Handler, input, opts.RetryPolicy)
		f.result, f.err = result, err
		close(f.done)
	}()
	return f
}

func runWithRetry(ctx context.Context, fn engine.ActivityFunc, input any, policy engine.RetryPolicy) (any, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	interval := policy.InitialInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	coeff := policy.BackoffCoefficient
	if coeff <= 0 {
		coeff = 2
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * coeff)
	}
	return nil, lastErr
}

type future struct {
	done   chan struct{}
	result any
	err    error
}

func (f *future) Get(ctx context.Context, out any) error {
	select {
	case <-f.done:
		if f.err != nil {
			return f.err
		}
		return assign(out, f.result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type signalChannel struct {
	ch chan any
}

func (s *signalChannel) Receive(ctx context.Context, out any) error {
	select {
	case v := <-s.ch:
		return assign(out, v)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *signalChannel) ReceiveAsync(out any) bool {
	select {
	case v := <-s.ch:
		_ = assign(out, v)
		return true
	default:
		return false
	}
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.WorkflowContext = (*wfContext)(nil)
