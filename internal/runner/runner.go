package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/engine"
	"github.com/turnloop/turnloop/internal/llm"
	"github.com/turnloop/turnloop/internal/metrics"
	"github.com/turnloop/turnloop/internal/router"
	"github.com/turnloop/turnloop/internal/stream"
	"github.com/turnloop/turnloop/internal/telemetry"
	"github.com/turnloop/turnloop/internal/toolreg"
)

// WorkflowName is the name the turn workflow is registered under with the
// engine.
const WorkflowName = "turnloop.conversation_turn"

const (
	activityRoute           = "turnloop.route"
	activityAppendMessage   = "turnloop.append_message"
	activityStreamCompletion = "turnloop.stream_completion"
	activityCreateToolRun   = "turnloop.create_tool_run"
	activityAwaitApproval   = "turnloop.await_approval"
	activityExecuteTool     = "turnloop.execute_tool"
	activityTransitionRun   = "turnloop.transition_tool_run"
	activitySetInitialAgent = "turnloop.set_initial_agent"
)

// ErrMaxHandoffsExceeded is returned when a domain's handoff cap is hit.
var ErrMaxHandoffsExceeded = errors.New("runner: max handoffs exceeded")

// reservedHandoffTool is the tool name few_shot/hybrid agents call to hand
// the conversation to a different agent mid-turn.
const reservedHandoffTool = "handoff"

// signalCancel is the named signal a client's cancel_stream request is
// delivered on; WorkflowHandle.Cancel (both engine backends) signals it.
const signalCancel = "__cancel__"

// defaultApprovalTimeout bounds how long AWAITING_APPROVAL waits before the
// tool run is auto-rejected.
const defaultApprovalTimeout = 10 * time.Minute

// Runner wires the turn workflow and its activities to an engine.Engine,
// following the teacher's dependency-injected constructor idiom (no
// package-level singletons).
type Runner struct {
	cfg     *config.Registry
	store   convstore.Store
	llm     llm.Client
	tools   *toolreg.Registry
	router  *router.Router
	approve *approval.Coordinator
	hub     stream.Publisher
	logger  telemetry.Logger
	metrics *metrics.Collectors
}

// Deps bundles Runner's collaborators.
type Deps struct {
	Config     *config.Registry
	Store      convstore.Store
	LLM        llm.Client
	Tools      *toolreg.Registry
	Router     *router.Router
	Approvals  *approval.Coordinator
	Hub        stream.Publisher
	Logger     telemetry.Logger
	Metrics    *metrics.Collectors
}

// New builds a Runner.
func New(d Deps) *Runner {
	logger := d.Logger
	if logger == nil {
		logger = telemetry.Noop{}
	}
	hub := d.Hub
	if hub == nil {
		hub = stream.NoopPublisher{}
	}
	return &Runner{
		cfg: d.Config, store: d.Store, llm: d.LLM, tools: d.Tools,
		router: d.Router, approve: d.Approvals, hub: hub, logger: logger,
		metrics: d.Metrics,
	}
}

// RegisterWith registers the turn workflow and its activities on e.
func (r *Runner) RegisterWith(e engine.Engine) {
	e.RegisterWorkflow(engine.WorkflowDefinition{Name: WorkflowName, Handler: r.workflow})
	e.RegisterActivity(engine.ActivityDefinition{Name: activityRoute, Handler: r.actRoute})
	e.RegisterActivity(engine.ActivityDefinition{Name: activityAppendMessage, Handler: r.actAppendMessage})
	e.RegisterActivity(engine.ActivityDefinition{Name: activityStreamCompletion, Handler: r.actStreamCompletion})
	e.RegisterActivity(engine.ActivityDefinition{Name: activityCreateToolRun, Handler: r.actCreateToolRun})
	e.RegisterActivity(engine.ActivityDefinition{Name: activityAwaitApproval, Handler: r.actAwaitApproval})
	e.RegisterActivity(engine.ActivityDefinition{Name: activityExecuteTool, Handler: r.actExecuteTool})
	e.RegisterActivity(engine.ActivityDefinition{Name: activityTransitionRun, Handler: r.actTransitionRun})
	e.RegisterActivity(engine.ActivityDefinition{Name: activitySetInitialAgent, Handler: r.actSetInitialAgent})
}

// TurnInput starts one conversation turn.
type TurnInput struct {
	ConversationID string
	DomainID       string
	UserText       string
	TurnIndex      int
	Handoffs       int
	// RequesterRole is gated against the domain's allowed_roles.
	RequesterRole string
	// AllowTestingOverride lets a TESTING-state agent pass routing
	// eligibility that would otherwise require PRODUCTION.
	AllowTestingOverride bool
}

// TurnResult is the workflow's terminal outcome.
type TurnResult struct {
	FinalState State
	AgentID    string
	Error      string
}

func defaultActivityOptions() engine.ActivityOptions {
	return engine.ActivityOptions{
		Timeout:     30 * time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, BackoffCoefficient: 2},
	}
}

// approvalActivityOptions gives the await-approval activity enough room for
// a human to actually respond; it must not inherit defaultActivityOptions'
// 30s budget, and a single attempt is correct since actAwaitApproval
// already turns its own timeout into a non-error rejection decision.
func approvalActivityOptions() engine.ActivityOptions {
	return engine.ActivityOptions{
		Timeout:     defaultApprovalTimeout + 30*time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1, InitialInterval: 0, BackoffCoefficient: 1},
	}
}

// workflow is the replay-safe turn handler: route -> stream -> (approve ->
// execute)* -> complete. It owns strict per-turn event ordering by
// publishing every transition through the stream Sink before advancing.
func (r *Runner) workflow(wfCtx engine.WorkflowContext, rawInput any) (any, error) {
	input, ok := rawInput.(TurnInput)
	if !ok {
		return TurnResult{FinalState: StateFailed, Error: "runner: invalid workflow input"}, nil
	}

	state := StateRouting
	sink := r.hub.Sink(input.ConversationID)
	emit := func(s State, extra map[string]any) {
		sink.Publish(stream.Event{Type: "turn_state", ConversationID: input.ConversationID, Payload: merge(extra, map[string]any{"state": string(s)})})
	}
	emit(state, nil)

	cancelCh := wfCtx.SignalChannel(signalCancel)
	cancelRequested := func() bool {
		var sig struct{}
		return cancelCh.ReceiveAsync(&sig)
	}

	userMsg := convstore.Message{ConversationID: input.ConversationID, Role: convstore.RoleUser, Content: input.UserText}
	if err := execActivity(wfCtx, activityAppendMessage, userMsg, nil); err != nil {
		return r.fail(state, err)
	}

	if cancelRequested() {
		state = transition(state, StateCancelled, emit)
		return TurnResult{FinalState: state}, nil
	}

	var routeOut router.Decision
	routeReq := routeRequest{
		DomainID: input.DomainID, ConversationID: input.ConversationID, TurnIndex: input.TurnIndex,
		UserText: input.UserText, RequesterRole: input.RequesterRole, AllowTestingOverride: input.AllowTestingOverride,
	}
	if err := execActivity(wfCtx, activityRoute, routeReq, &routeOut); err != nil {
		return r.fail(state, err)
	}
	agentID := routeOut.AgentID
	_ = execActivity(wfCtx, activitySetInitialAgent, initialAgentRequest{ConversationID: input.ConversationID, AgentID: agentID}, nil)

	state = transition(state, StateStreaming, emit)

	for {
		if cancelRequested() {
			state = transition(state, StateCancelled, emit)
			return TurnResult{FinalState: state, AgentID: agentID}, nil
		}

		var streamOut streamResult
		if err := execActivity(wfCtx, activityStreamCompletion, streamRequest{ConversationID: input.ConversationID, AgentID: agentID}, &streamOut); err != nil {
			return r.fail(state, err)
		}

		if streamOut.ToolCallID == "" {
			state = transition(state, StateCompleted, emit)
			return TurnResult{FinalState: state, AgentID: agentID}, nil
		}

		if streamOut.ToolName == reservedHandoffTool {
			next, derr := r.decodeHandoff(streamOut.ArgsJSON)
			if derr != nil {
				return r.fail(state, derr)
			}
			input.Handoffs++
			dom, derr := r.cfg.Domain(input.DomainID)
			if derr == nil && dom.MaxHandoffs > 0 && input.Handoffs > dom.MaxHandoffs {
				return r.fail(state, ErrMaxHandoffsExceeded)
			}
			prevAgentID := agentID
			agentID = next
			sink.Publish(stream.Event{Type: "workflow_handoff", ConversationID: input.ConversationID, Payload: map[string]any{
				"fromAgentId": prevAgentID, "toAgentId": agentID,
			}})
			continue
		}

		var runOut convstore.ToolRun
		createReq := convstore.ToolRun{
			ConversationID: input.ConversationID, ToolID: streamOut.ToolName,
			Arguments: streamOut.ArgsJSON, RequestedBy: agentID,
		}
		if err := execActivity(wfCtx, activityCreateToolRun, createReq, &runOut); err != nil {
			return r.fail(state, err)
		}

		requiresApproval, _ := r.tools.RequiresApproval(streamOut.ToolName)
		if requiresApproval {
			state = transition(state, StateAwaitingApproval, emit)
			sink.Publish(stream.Event{Type: "tool_approval_required", ConversationID: input.ConversationID, Payload: map[string]any{
				"requestId": runOut.ID, "toolName": streamOut.ToolName, "arguments": streamOut.ArgsJSON,
			}})
			var decision approval.Decision
			if err := execActivityOpts(wfCtx, approvalActivityOptions(), activityAwaitApproval, runOut.ID, &decision); err != nil {
				return r.fail(state, err)
			}
			if !decision.Approved {
				if _, err := r.transitionToolRun(wfCtx, runOut.ID, convstore.ToolRunRejected, ""); err != nil {
					return r.fail(state, err)
				}
				if err := r.appendToolResult(wfCtx, input.ConversationID, agentID, "tool call rejected: "+decision.Reason); err != nil {
					return r.fail(state, err)
				}
				state = transition(state, StateStreamingCont, emit)
				continue
			}
			if _, err := r.transitionToolRun(wfCtx, runOut.ID, convstore.ToolRunApproved, ""); err != nil {
				return r.fail(state, err)
			}
		} else {
			// Tools that don't require a human decision are auto-approved so
			// every run still passes through APPROVED on its way to
			// EXECUTING, keeping PENDING -> EXECUTING itself always illegal.
			if _, err := r.transitionToolRun(wfCtx, runOut.ID, convstore.ToolRunApproved, ""); err != nil {
				return r.fail(state, err)
			}
		}

		state = transition(state, StateExecutingTool, emit)
		if _, err := r.transitionToolRun(wfCtx, runOut.ID, convstore.ToolRunExecuting, ""); err != nil {
			return r.fail(state, err)
		}

		var execOut toolExecResult
		execErr := execActivity(wfCtx, activityExecuteTool, toolExecRequest{ToolRunID: runOut.ID, ToolName: streamOut.ToolName, ArgsJSON: streamOut.ArgsJSON}, &execOut)
		if execErr != nil {
			// A tool handler error does not abort the turn: it is recorded,
			// fed back to the agent as a tool_result, and the conversation
			// continues. Only a genuinely undeliverable activity aborts the
			// turn, and that already surfaced as execActivity's retry policy
			// being exhausted above StateExecutingTool's other failure modes.
			if _, err := r.transitionToolRunFailed(wfCtx, runOut.ID, execErr.Error()); err != nil {
				return r.fail(state, err)
			}
			if err := r.appendToolResult(wfCtx, input.ConversationID, agentID, "tool error: "+execErr.Error()); err != nil {
				return r.fail(state, err)
			}
			sink.Publish(stream.Event{Type: "tool_executed", ConversationID: input.ConversationID, Payload: map[string]any{
				"requestId": runOut.ID, "success": false, "result": execErr.Error(),
			}})
			state = transition(state, StateStreamingCont, emit)
			continue
		}
		if _, err := r.transitionToolRun(wfCtx, runOut.ID, convstore.ToolRunExecuted, execOut.ResultJSON); err != nil {
			return r.fail(state, err)
		}
		if err := r.appendToolResult(wfCtx, input.ConversationID, agentID, execOut.ResultJSON); err != nil {
			return r.fail(state, err)
		}
		sink.Publish(stream.Event{Type: "tool_executed", ConversationID: input.ConversationID, Payload: map[string]any{
			"requestId": runOut.ID, "success": true, "result": execOut.ResultJSON,
		}})

		state = transition(state, StateStreamingCont, emit)
	}
}

// appendToolResult records content as a tool_result message attributed to
// the agent whose tool call produced it, so the next stream_completion call
// sees the outcome in history (spec.md §4.7's STREAMING_CONT re-entry).
func (r *Runner) appendToolResult(wfCtx engine.WorkflowContext, conversationID, agentID, content string) error {
	msg := convstore.Message{ConversationID: conversationID, Role: convstore.RoleToolResult, AgentID: agentID, Content: content}
	return execActivity(wfCtx, activityAppendMessage, msg, nil)
}

func (r *Runner) transitionToolRun(wfCtx engine.WorkflowContext, id string, to convstore.ToolRunStatus, result string) (convstore.ToolRun, error) {
	var out convstore.ToolRun
	err := execActivity(wfCtx, activityTransitionRun, transitionRequest{ID: id, To: to, Result: result}, &out)
	return out, err
}

func (r *Runner) transitionToolRunFailed(wfCtx engine.WorkflowContext, id string, errMsg string) (convstore.ToolRun, error) {
	var out convstore.ToolRun
	err := execActivity(wfCtx, activityTransitionRun, transitionRequest{ID: id, To: convstore.ToolRunFailed, Error: errMsg}, &out)
	return out, err
}

func (r *Runner) fail(state State, err error) (any, error) {
	return TurnResult{FinalState: StateFailed, Error: err.Error()}, nil
}

func (r *Runner) decodeHandoff(argsJSON string) (string, error) {
	var payload struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &payload); err != nil {
		return "", err
	}
	if payload.AgentID == "" {
		return "", errors.New("runner: handoff call missing agent_id")
	}
	return payload.AgentID, nil
}

func transition(from, to State, emit func(State, map[string]any)) State {
	if !Allowed(from, to) {
		to = StateFailed
	}
	emit(to, nil)
	return to
}

func merge(a, b map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func execActivity(wfCtx engine.WorkflowContext, name string, input any, out any) error {
	return execActivityOpts(wfCtx, defaultActivityOptions(), name, input, out)
}

func execActivityOpts(wfCtx engine.WorkflowContext, opts engine.ActivityOptions, name string, input any, out any) error {
	f := wfCtx.ExecuteActivity(opts, name, input)
	return f.Get(wfCtx.Context(), out)
}

type routeRequest struct {
	DomainID             string
	ConversationID       string
	TurnIndex            int
	UserText             string
	RequesterRole        string
	AllowTestingOverride bool
}

type streamRequest struct {
	ConversationID string
	AgentID        string
}

type streamResult struct {
	ToolCallID string
	ToolName   string
	ArgsJSON   string
}

type toolExecRequest struct {
	ToolRunID string
	ToolName  string
	ArgsJSON  string
}

type toolExecResult struct {
	ResultJSON string
}

type transitionRequest struct {
	ID     string
	To     convstore.ToolRunStatus
	Result string
	Error  string
}

type initialAgentRequest struct {
	ConversationID string
	AgentID        string
}

// StartTurn starts (or returns the existing handle for) the conversation's
// turn workflow.
func (r *Runner) StartTurn(ctx context.Context, e engine.Engine, in TurnInput) (engine.WorkflowHandle, error) {
	return e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       workflowID(in.ConversationID),
		Workflow: WorkflowName,
		Input:    in,
	})
}

func workflowID(conversationID string) string { return "turn-" + conversationID }
