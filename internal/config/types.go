// Package config implements the Config Registry (C2): it loads domain/agent/
// tool definitions from a YAML document and publishes them as an immutable,
// atomically-swapped snapshot so every other component reads a consistent
// view without locking.
package config

// AgentState is the lifecycle state of an Agent definition.
type AgentState string

const (
	AgentDevelopment AgentState = "DEVELOPMENT"
	AgentTesting     AgentState = "TESTING"
	AgentProduction  AgentState = "PRODUCTION"
	AgentDeprecated  AgentState = "DEPRECATED"
	AgentArchived    AgentState = "ARCHIVED"
)

// WorkflowKind selects a Router strategy for a Domain.
type WorkflowKind string

const (
	WorkflowSupervisor   WorkflowKind = "supervisor"
	WorkflowOrchestrator WorkflowKind = "orchestrator"
	WorkflowFewShot      WorkflowKind = "few_shot"
	WorkflowHybrid       WorkflowKind = "hybrid"
)

// Domain groups a set of agents and tools under one routing workflow.
type Domain struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	Workflow     WorkflowKind `yaml:"workflow"`
	DefaultAgent string       `yaml:"default_agent,omitempty"`
	// FallbackAgent is used by the supervisor strategy when the best
	// candidate's score misses MinConfidenceThreshold, or when eligibility
	// filtering (Agent.State, AllowedRoles) rules out every scored agent.
	FallbackAgent string `yaml:"fallback_agent_id,omitempty"`
	// MinConfidenceThreshold gates the supervisor strategy's keyword score;
	// below it the decision falls back to FallbackAgent then DefaultAgent.
	// Zero means "unset", resolved to defaultMinConfidence at routing time.
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold,omitempty"`
	// AllowedRoles restricts which requester_role values may be routed in
	// this domain at all; empty means unrestricted.
	AllowedRoles []string `yaml:"allowed_roles,omitempty"`
	// RoutingRules assigns a per-agent keyword priority, layered over each
	// agent's own RoutingKeywords (which carry an implicit priority of 1).
	RoutingRules []RoutingRule `yaml:"routing_rules,omitempty"`
	// FewShotExamples seeds the few_shot strategy's router prompt.
	FewShotExamples []FewShotExample `yaml:"few_shot_examples,omitempty"`
	// Pipeline is the fixed agent-id sequence for WorkflowOrchestrator.
	Pipeline []string `yaml:"pipeline,omitempty"`
	// HybridPhases is consulted by turn index for WorkflowHybrid; each
	// phase picks either orchestrator-style fixed dispatch or a few_shot
	// LLM-router decision for that turn.
	HybridPhases []HybridPhase `yaml:"hybrid_phases,omitempty"`
	MaxHandoffs  int           `yaml:"max_handoffs,omitempty"`
}

// RoutingRule binds a keyword to a scoring priority for one agent within a
// domain; the supervisor strategy sums the priorities of every rule whose
// keyword appears in the last user message.
type RoutingRule struct {
	AgentID  string `yaml:"agent_id"`
	Keyword  string `yaml:"keyword"`
	Priority int    `yaml:"priority,omitempty"`
}

// FewShotExample is one worked routing example surfaced in the few_shot
// strategy's router prompt.
type FewShotExample struct {
	UserText string `yaml:"user_text"`
	AgentID  string `yaml:"agent_id"`
}

// HybridPhase names one stage of a hybrid-workflow domain.
type HybridPhase struct {
	Name    string `yaml:"name"`
	Decider string `yaml:"decider"` // "orchestrator" | "few_shot"
	Agent   string `yaml:"agent,omitempty"`
}

// Agent is one invocable participant: a system prompt, a model binding and
// the subset of the domain's tools it may call.
type Agent struct {
	ID           string     `yaml:"id"`
	DomainID     string     `yaml:"domain_id"`
	Name         string     `yaml:"name"`
	State        AgentState `yaml:"state"`
	SystemPrompt string     `yaml:"system_prompt"`
	ModelID      string     `yaml:"model_id"`
	Tools        []string   `yaml:"tools,omitempty"`
	Role         string     `yaml:"role,omitempty"`
	Description  string     `yaml:"description,omitempty"`
	// RoutingKeywords are the supervisor strategy's default (priority-1)
	// keyword set for this agent; a domain RoutingRule for the same agent
	// and keyword overrides the priority.
	RoutingKeywords []string `yaml:"routing_keywords,omitempty"`
	// Capabilities documents what this agent can do, surfaced to callers
	// inspecting the registry; it does not affect routing or tool access.
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Tool is a callable function exposed to one or more agents.
type Tool struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	ParameterSchema  map[string]any `yaml:"parameter_schema"`
	RequiresApproval bool           `yaml:"requires_approval"`
	AllowedRoles     []string       `yaml:"allowed_roles,omitempty"`
	HandlerRef       string         `yaml:"handler_ref"`
	TimeoutSeconds   int            `yaml:"timeout_seconds,omitempty"`
}

// Document is the raw YAML shape loaded from disk.
type Document struct {
	Domains []Domain `yaml:"domains"`
	Agents  []Agent  `yaml:"agents"`
	Tools   []Tool   `yaml:"tools"`
}
