// Package wire defines the WebSocket envelope types spec.md §6 describes:
// a `Type`-discriminated tagged union per direction, decoded via an
// exhaustive switch so an unrecognized type never passes through
// silently (per spec.md §9's "never silently ignore" design note).
// Grounded on the teacher's runtime/agent/stream.Event Type()-discriminant
// idiom, applied here to the wire boundary instead of in-process events.
package wire

import "encoding/json"

// InType enumerates the inbound message kinds a client may send.
type InType string

const (
	InPing             InType = "PING"
	InStartConversation InType = "start_conversation"
	InSendMessage      InType = "send_message"
	InCancelStream     InType = "cancel_stream"
	InApproveTool      InType = "approve_tool"
)

// OutType enumerates the outbound message kinds the server may send.
type OutType string

const (
	OutPong                 OutType = "PONG"
	OutConversationStarted  OutType = "conversation_started"
	OutMessageChunk         OutType = "message_chunk"
	OutMessageComplete      OutType = "message_complete"
	OutToolApprovalRequired OutType = "tool_approval_required"
	OutToolApproved         OutType = "tool_approved"
	OutToolRejected         OutType = "tool_rejected"
	OutToolExecuted         OutType = "tool_executed"
	OutAgentSelected        OutType = "agent_selected"
	OutWorkflowHandoff      OutType = "workflow_handoff"
	OutWorkflowThought      OutType = "workflow_thought"
	OutError                OutType = "error"
)

// ErrorCode is the machine-readable error taxonomy of spec.md §7.
type ErrorCode string

const (
	ErrBadRequest        ErrorCode = "bad_request"
	ErrAuthFailed        ErrorCode = "auth_failed"
	ErrBusy              ErrorCode = "busy"
	ErrCancelled         ErrorCode = "cancelled"
	ErrTimeout           ErrorCode = "timeout"
	ErrStreamError       ErrorCode = "stream_error"
	ErrToolExecuteFailed ErrorCode = "tool_execute_failed"
	ErrNotFound          ErrorCode = "not_found"
	ErrInternal          ErrorCode = "internal"
)

// In is one inbound envelope as received off the wire, before its
// type-specific payload is decoded.
type In struct {
	Type           InType          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// StartConversationPayload is In.Payload for InStartConversation.
type StartConversationPayload struct {
	DomainID string `json:"domainId"`
	Title    string `json:"title,omitempty"`
}

// SendMessagePayload is In.Payload for InSendMessage.
type SendMessagePayload struct {
	Content        string `json:"content"`
	EnableThinking bool   `json:"enableThinking,omitempty"`
}

// ApproveToolPayload is In.Payload for InApproveTool.
type ApproveToolPayload struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Out is one outbound envelope, built by the hub/runner and marshaled as
// one JSON object with Payload nested under the "payload" key — callers use
// NewOut with a concrete payload struct, not this type directly.
type Out struct {
	Type           OutType `json:"type"`
	ConversationID string  `json:"conversationId,omitempty"`
	RequestID      string  `json:"requestId,omitempty"`
	Payload        any     `json:"payload,omitempty"`
}

// NewOut builds an Out envelope.
func NewOut(t OutType, conversationID string, payload any) Out {
	return Out{Type: t, ConversationID: conversationID, Payload: payload}
}

// MessageChunkPayload is Out.Payload for OutMessageChunk.
type MessageChunkPayload struct {
	Chunk string `json:"chunk"`
}

// MessageCompletePayload is Out.Payload for OutMessageComplete.
type MessageCompletePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	AgentID   string `json:"agentId,omitempty"`
}

// ToolApprovalRequiredPayload is Out.Payload for OutToolApprovalRequired.
type ToolApprovalRequiredPayload struct {
	RequestID string `json:"requestId"`
	ToolName  string `json:"toolName"`
	Arguments string `json:"arguments"`
}

// ToolExecutedPayload is Out.Payload for OutToolExecuted.
type ToolExecutedPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Result    string `json:"result,omitempty"`
}

// AgentSelectedPayload is Out.Payload for OutAgentSelected.
type AgentSelectedPayload struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// WorkflowHandoffPayload is Out.Payload for OutWorkflowHandoff.
type WorkflowHandoffPayload struct {
	FromAgentID string `json:"fromAgentId"`
	ToAgentID   string `json:"toAgentId"`
}

// WorkflowThoughtPayload is Out.Payload for OutWorkflowThought. Advisory
// and best-effort: not part of the ordering contract of spec.md §4.7.
type WorkflowThoughtPayload struct {
	AgentName string `json:"agentName"`
	Reason    string `json:"reason"`
}

// ErrorPayload is Out.Payload for OutError.
type ErrorPayload struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

// ConversationStartedPayload is Out.Payload for OutConversationStarted.
type ConversationStartedPayload struct {
	ConversationID string `json:"conversationId"`
	DomainID       string `json:"domainId"`
}
