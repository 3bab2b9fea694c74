package runner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/ids"
	"github.com/turnloop/turnloop/internal/llm"
	"github.com/turnloop/turnloop/internal/router"
	"github.com/turnloop/turnloop/internal/stream"
)

// actAppendMessage persists one message, assigning its monotonic Seq.
func (r *Runner) actAppendMessage(ctx context.Context, rawInput any) (any, error) {
	msg := rawInput.(convstore.Message)
	if msg.ID == "" {
		msg.ID = ids.New(ids.PrefixMessage)
	}
	return r.store.AppendMessage(ctx, msg)
}

// actRoute delegates to the Router to pick the next agent, supplying the
// continuity signal (the agent behind the conversation's last assistant
// message, if any) for the supervisor strategy's continuity bonus.
func (r *Runner) actRoute(ctx context.Context, rawInput any) (any, error) {
	in := rawInput.(routeRequest)
	priorAgentID := r.lastAssistantAgent(ctx, in.ConversationID)
	decision, err := r.router.Route(ctx, router.RouteInput{
		DomainID: in.DomainID, TurnIndex: in.TurnIndex, LastUserText: in.UserText,
		ConversationID: in.ConversationID, PriorAgentID: priorAgentID,
		RequesterRole: in.RequesterRole, AllowTestingOverride: in.AllowTestingOverride,
	})
	if err == nil && r.metrics != nil {
		r.metrics.ObserveRouting(in.DomainID, decision.AgentID)
	}
	return decision, err
}

// lastAssistantAgent returns the AgentID of the most recent assistant
// message in conversationID's history, or "" if none exists yet.
func (r *Runner) lastAssistantAgent(ctx context.Context, conversationID string) string {
	if conversationID == "" {
		return ""
	}
	history, err := r.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return ""
	}
	var agentID string
	for _, m := range history {
		if m.Role == convstore.RoleAssistant {
			agentID = m.AgentID
		}
	}
	return agentID
}

// actStreamCompletion drains one full model completion for agentID,
// publishing token chunks to the conversation's stream.Sink as they
// arrive. On completion it stores the text as an assistant message and
// returns an empty streamResult (ToolCallID empty); otherwise it returns
// the tool call the model decided to make.
func (r *Runner) actStreamCompletion(ctx context.Context, rawInput any) (any, error) {
	in := rawInput.(streamRequest)

	history, err := r.store.ListMessages(ctx, in.ConversationID, 0)
	if err != nil {
		return nil, err
	}
	req := llm.CompletionRequest{Messages: toLLMMessages(history)}
	if agent, aerr := r.cfg.Agent(in.AgentID); aerr == nil {
		req.ModelID = agent.ModelID
		req.SystemPrompt = agent.SystemPrompt
		req.Tools = r.toolDeclarationsForAgent(in.AgentID)
	}

	st, err := r.llm.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	sink := r.hub.Sink(in.ConversationID)
	var text strings.Builder
	for {
		ev, err := st.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch e := ev.(type) {
		case llm.TokenChunk:
			text.WriteString(e.Text)
			sink.Publish(stream.Event{Type: "token_chunk", Payload: map[string]any{"text": e.Text}})
		case llm.ToolCallIntent:
			return streamResult{ToolCallID: e.ToolCallID, ToolName: e.Name, ArgsJSON: e.ArgsJSON}, nil
		case llm.Completed:
			if full := text.String(); full != "" {
				_, _ = r.store.AppendMessage(ctx, convstore.Message{
					ID: ids.New(ids.PrefixMessage), ConversationID: in.ConversationID,
					Role: convstore.RoleAssistant, AgentID: in.AgentID, Content: full,
				})
			}
			if r.metrics != nil {
				r.metrics.LLMTokens.WithLabelValues(req.ModelID, "input").Add(float64(e.Usage.InputTokens))
				r.metrics.LLMTokens.WithLabelValues(req.ModelID, "output").Add(float64(e.Usage.OutputTokens))
			}
			return streamResult{}, nil
		case llm.Error:
			return nil, e.Err
		}
	}
}

func (r *Runner) toolDeclarationsForAgent(agentID string) []llm.ToolDeclaration {
	var out []llm.ToolDeclaration
	for _, toolID := range r.cfg.ToolsForAgent(agentID) {
		t, err := r.cfg.Tool(toolID)
		if err != nil {
			continue
		}
		out = append(out, llm.ToolDeclaration{Name: t.ID, Description: t.Description, Schema: t.ParameterSchema})
	}
	return out
}

func toLLMMessages(history []convstore.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		switch m.Role {
		case convstore.RoleAssistant:
			role = llm.RoleAssistant
		case convstore.RoleToolResult:
			role = llm.RoleTool
		case convstore.RoleSystem:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// actCreateToolRun records a newly proposed tool call as PENDING.
func (r *Runner) actCreateToolRun(ctx context.Context, rawInput any) (any, error) {
	run := rawInput.(convstore.ToolRun)
	run.ID = ids.New(ids.PrefixToolRun)
	run.Status = convstore.ToolRunPending
	return r.store.CreateToolRun(ctx, run)
}

// actAwaitApproval blocks on the Approval Coordinator for a human decision.
func (r *Runner) actAwaitApproval(ctx context.Context, rawInput any) (any, error) {
	toolRunID := rawInput.(string)
	ctx, cancel := context.WithTimeout(ctx, defaultApprovalTimeout)
	defer cancel()
	started := time.Now()
	decision, err := r.approve.Await(ctx, toolRunID)
	if r.metrics != nil {
		r.metrics.ApprovalWaits.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if err == approval.ErrDecisionTimeout {
			return approval.Decision{ToolRunID: toolRunID, Approved: false, Reason: "approval timed out"}, nil
		}
		return nil, err
	}
	return decision, nil
}

// actExecuteTool runs the tool via the Tool Registry.
func (r *Runner) actExecuteTool(ctx context.Context, rawInput any) (any, error) {
	in := rawInput.(toolExecRequest)
	resultJSON, err := r.tools.Execute(ctx, in.ToolName, "agent", in.ArgsJSON)
	if err != nil {
		return nil, err
	}
	return toolExecResult{ResultJSON: resultJSON}, nil
}

// actTransitionRun performs a compare-and-set ToolRun status transition,
// stamping Result/Error onto the stored run when the caller supplied them.
func (r *Runner) actTransitionRun(ctx context.Context, rawInput any) (any, error) {
	in := rawInput.(transitionRequest)
	run, err := r.store.TransitionToolRun(ctx, in.ID, in.To, func(tr *convstore.ToolRun) {
		if in.Result != "" {
			tr.Result = in.Result
		}
		if in.Error != "" {
			tr.Error = in.Error
		}
	})
	if err != nil {
		return run, err
	}
	if r.metrics != nil && isTerminalToolRunStatus(in.To) {
		r.metrics.ObserveToolRunTerminal(run.ToolID, in.To)
	}
	r.auditToolRunTransition(ctx, run)
	return run, nil
}

// auditToolRunTransition records a ToolRun's status change both to the
// structured logger and as a durable workflow_log row, mirroring the
// teacher's runlog event-per-transition audit trail. Logging and
// persistence failures here never fail the transition itself — the audit
// trail is best-effort, not part of the ToolRun's own consistency.
func (r *Runner) auditToolRunTransition(ctx context.Context, run convstore.ToolRun) {
	r.logger.Info(ctx, "tool_run transitioned",
		"conversation_id", run.ConversationID, "tool_run_id", run.ID,
		"tool_id", run.ToolID, "status", string(run.Status))

	payload, err := json.Marshal(map[string]any{
		"tool_run_id": run.ID,
		"tool_id":     run.ToolID,
		"status":      string(run.Status),
		"requested_by": run.RequestedBy,
	})
	if err != nil {
		return
	}
	_, _ = r.store.AppendWorkflowLog(ctx, convstore.WorkflowLogEntry{
		ID:             ids.New(ids.PrefixWorkflowLog),
		ConversationID: run.ConversationID,
		Type:           "tool_run_transition",
		Payload:        string(payload),
	})
}

// actSetInitialAgent records which agent the first routing decision of a
// conversation selected. The store only ever applies the first call per
// conversation, so later handoffs do not overwrite it.
func (r *Runner) actSetInitialAgent(ctx context.Context, rawInput any) (any, error) {
	in := rawInput.(initialAgentRequest)
	return nil, r.store.SetInitialAgent(ctx, in.ConversationID, in.AgentID)
}

func isTerminalToolRunStatus(s convstore.ToolRunStatus) bool {
	switch s {
	case convstore.ToolRunRejected, convstore.ToolRunExecuted, convstore.ToolRunFailed:
		return true
	default:
		return false
	}
}

