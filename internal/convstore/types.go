// Package convstore implements the Conversation Store (C3): durable
// persistence for conversations, messages and tool runs, with the
// monotonic-sequence and transition-DAG invariants spec.md §8 requires.
// The package mirrors the teacher's session/run store split
// (runtime/agent/session, runtime/agent/run) but folds both into a single
// Store interface scoped to one conversation, since this spec's
// Conversation/Message/ToolRun triangle is one aggregate rather than two.
package convstore

import "time"

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

const (
	ConversationOpen            ConversationStatus = "open"
	ConversationReviewRequested ConversationStatus = "review_requested"
	ConversationMerged          ConversationStatus = "merged"
	ConversationClosed          ConversationStatus = "closed"
)

// Conversation is a durable thread of messages routed through one domain.
type Conversation struct {
	ID             string            `json:"id"`
	DomainID       string            `json:"domain_id"`
	InitialAgentID string            `json:"initial_agent_id,omitempty"`
	Title          string            `json:"title,omitempty"`
	CreatorSub     string            `json:"creator_sub,omitempty"`
	Status         ConversationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool_result"
)

// Message is one immutable, sequence-numbered entry in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           Role      `json:"role"`
	AgentID        string    `json:"agent_id,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolRunStatus is the lifecycle state of a ToolRun. The DAG allowed by
// TransitionToolRun is:
//
//	PENDING -> APPROVED -> EXECUTING -> EXECUTED
//	PENDING -> REJECTED
//	EXECUTING -> FAILED
type ToolRunStatus string

const (
	ToolRunPending   ToolRunStatus = "PENDING"
	ToolRunApproved  ToolRunStatus = "APPROVED"
	ToolRunRejected  ToolRunStatus = "REJECTED"
	ToolRunExecuting ToolRunStatus = "EXECUTING"
	ToolRunExecuted  ToolRunStatus = "EXECUTED"
	ToolRunFailed    ToolRunStatus = "FAILED"
)

var toolRunTransitions = map[ToolRunStatus]map[ToolRunStatus]bool{
	ToolRunPending:   {ToolRunApproved: true, ToolRunRejected: true},
	ToolRunApproved:  {ToolRunExecuting: true},
	ToolRunExecuting: {ToolRunExecuted: true, ToolRunFailed: true},
}

// AllowedToolRunTransition reports whether from -> to is a legal edge in the
// ToolRun status DAG.
func AllowedToolRunTransition(from, to ToolRunStatus) bool {
	return toolRunTransitions[from][to]
}

// ToolRun is one tool invocation attached to a conversation turn.
type ToolRun struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	TurnID         string        `json:"turn_id,omitempty"`
	ToolID         string        `json:"tool_id"`
	Status         ToolRunStatus `json:"status"`
	Arguments      string        `json:"parameters"` // canonical JSON
	Result         string        `json:"result,omitempty"` // canonical JSON, set once EXECUTED
	Error          string        `json:"error,omitempty"`
	RequestedBy    string        `json:"requested_by_agent_id,omitempty"` // agent id that proposed the call
	CreatedAt      time.Time     `json:"requested_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// WorkflowLogEntry is one append-only audit entry for a conversation's
// durable workflow, grounded on the teacher's runlog event log concept.
type WorkflowLogEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Type           string    `json:"type"`
	Payload        string    `json:"payload"` // canonical JSON
	CreatedAt      time.Time `json:"created_at"`
}
