package hub

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/stream"
	"github.com/turnloop/turnloop/internal/wire"
)

func TestDroppableOnlyMessageChunk(t *testing.T) {
	require.True(t, droppable(wire.OutMessageChunk))
	require.False(t, droppable(wire.OutMessageComplete))
	require.False(t, droppable(wire.OutError))
	require.False(t, droppable(wire.OutToolApproved))
}

func TestTranslateEventTokenChunk(t *testing.T) {
	out := translateEvent(stream.Event{
		Type:           "token_chunk",
		ConversationID: "conv-1",
		Payload:        map[string]any{"text": "hello"},
	})
	require.Equal(t, wire.OutMessageChunk, out.Type)
	require.Equal(t, "conv-1", out.ConversationID)
}

func TestTranslateEventTurnState(t *testing.T) {
	out := translateEvent(stream.Event{
		Type:           "turn_state",
		ConversationID: "conv-1",
		Payload:        map[string]any{"state": "STREAMING"},
	})
	require.Equal(t, wire.OutWorkflowThought, out.Type)
}

func TestTranslateEventToolApprovalRequired(t *testing.T) {
	out := translateEvent(stream.Event{
		Type:           "tool_approval_required",
		ConversationID: "conv-1",
		Payload:        map[string]any{"requestId": "run-1", "toolName": "lookup_order", "arguments": `{"id":1}`},
	})
	require.Equal(t, wire.OutToolApprovalRequired, out.Type)
	payload := out.Payload.(wire.ToolApprovalRequiredPayload)
	require.Equal(t, "run-1", payload.RequestID)
	require.Equal(t, "lookup_order", payload.ToolName)
	require.Equal(t, `{"id":1}`, payload.Arguments)
}

func TestTranslateEventToolExecuted(t *testing.T) {
	out := translateEvent(stream.Event{
		Type:           "tool_executed",
		ConversationID: "conv-1",
		Payload:        map[string]any{"requestId": "run-1", "success": true, "result": `{"ok":true}`},
	})
	require.Equal(t, wire.OutToolExecuted, out.Type)
	payload := out.Payload.(wire.ToolExecutedPayload)
	require.Equal(t, "run-1", payload.RequestID)
	require.True(t, payload.Success)
	require.Equal(t, `{"ok":true}`, payload.Result)
}

func TestTranslateEventWorkflowHandoff(t *testing.T) {
	out := translateEvent(stream.Event{
		Type:           "workflow_handoff",
		ConversationID: "conv-1",
		Payload:        map[string]any{"fromAgentId": "agent_a", "toAgentId": "agent_b"},
	})
	require.Equal(t, wire.OutWorkflowHandoff, out.Type)
	payload := out.Payload.(wire.WorkflowHandoffPayload)
	require.Equal(t, "agent_a", payload.FromAgentID)
	require.Equal(t, "agent_b", payload.ToAgentID)
}

func TestTranslateEventUnknownFallsBackToWorkflowThought(t *testing.T) {
	out := translateEvent(stream.Event{Type: "usage", ConversationID: "conv-1"})
	require.Equal(t, wire.OutWorkflowThought, out.Type)
}

func TestMailboxForReturnsSameInstance(t *testing.T) {
	h := &Hub{mailboxes: map[string]*mailbox{}}
	a := h.mailboxFor("conv-1")
	b := h.mailboxFor("conv-1")
	require.Same(t, a, b)

	c := h.mailboxFor("conv-2")
	require.NotSame(t, a, c)
}

func TestMailboxBusyGatesSecondSend(t *testing.T) {
	mb := &mailbox{}
	mb.mu.Lock()
	mb.busy = true
	mb.mu.Unlock()

	mb.mu.Lock()
	busy := mb.busy
	mb.mu.Unlock()
	require.True(t, busy)

	mb.mu.Lock()
	mb.busy = false
	mb.mu.Unlock()

	mb.mu.Lock()
	busy = mb.busy
	mb.mu.Unlock()
	require.False(t, busy)
}
