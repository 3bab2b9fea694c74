package router_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/llm"
	"github.com/turnloop/turnloop/internal/router"
)

func loadConfig(t *testing.T, body string) *config.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg := config.New(nil)
	require.NoError(t, cfg.Load(path))
	return cfg
}

func TestRouteSupervisorPicksKeywordMatch(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: support
    name: Support
    workflow: supervisor
    default_agent: generalist
agents:
  - id: billing
    domain_id: support
    name: Billing
    state: PRODUCTION
    system_prompt: x
    model_id: m
    routing_keywords: [refund, invoice, billing]
  - id: generalist
    domain_id: support
    name: Generalist
    state: PRODUCTION
    system_prompt: x
    model_id: m
    routing_keywords: [general, help]
`)
	r := router.New(cfg, nil)
	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "support", LastUserText: "I need a refund on my invoice"})
	require.NoError(t, err)
	require.Equal(t, "billing", d.AgentID)
}

func TestRouteSupervisorFallsBackToDefault(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: support
    name: Support
    workflow: supervisor
    default_agent: generalist
agents:
  - id: billing
    domain_id: support
    name: Billing
    state: PRODUCTION
    system_prompt: x
    model_id: m
    routing_keywords: [refund, invoice, billing]
  - id: generalist
    domain_id: support
    name: Generalist
    state: PRODUCTION
    system_prompt: x
    model_id: m
    routing_keywords: [general, help]
`)
	r := router.New(cfg, nil)
	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "support", LastUserText: "hello there"})
	require.NoError(t, err)
	require.Equal(t, "generalist", d.AgentID)
}

func TestRouteSupervisorRoutingRuleOverridesPriority(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: support
    name: Support
    workflow: supervisor
    default_agent: generalist
    routing_rules:
      - agent_id: generalist
        keyword: urgent
        priority: 5
agents:
  - id: billing
    domain_id: support
    name: Billing
    state: PRODUCTION
    system_prompt: x
    model_id: m
    routing_keywords: [urgent]
  - id: generalist
    domain_id: support
    name: Generalist
    state: PRODUCTION
    system_prompt: x
    model_id: m
`)
	r := router.New(cfg, nil)
	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "support", LastUserText: "this is urgent"})
	require.NoError(t, err)
	require.Equal(t, "generalist", d.AgentID, "routing_rules priority 5 outweighs billing's implicit priority 1")
}

func TestRouteSupervisorContinuityBonusBreaksTie(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: support
    name: Support
    workflow: supervisor
    default_agent: agent_a
agents:
  - id: agent_a
    domain_id: support
    name: A
    state: PRODUCTION
    system_prompt: x
    model_id: m
    routing_keywords: [help]
  - id: agent_b
    domain_id: support
    name: B
    state: PRODUCTION
    system_prompt: x
    model_id: m
    routing_keywords: [help]
`)
	r := router.New(cfg, nil)
	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "support", LastUserText: "help please", PriorAgentID: "agent_b"})
	require.NoError(t, err)
	require.Equal(t, "agent_b", d.AgentID, "continuity bonus breaks the keyword-score tie")
}

func TestRouteSupervisorFallsBackOnIneligibleAgent(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: support
    name: Support
    workflow: supervisor
    default_agent: billing
    fallback_agent_id: generalist
agents:
  - id: billing
    domain_id: support
    name: Billing
    state: TESTING
    system_prompt: x
    model_id: m
    routing_keywords: [refund]
  - id: generalist
    domain_id: support
    name: Generalist
    state: PRODUCTION
    system_prompt: x
    model_id: m
`)
	r := router.New(cfg, nil)
	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "support", LastUserText: "I need a refund"})
	require.NoError(t, err)
	require.Equal(t, "generalist", d.AgentID, "billing is TESTING without override, falls back")
}

func TestRouteSupervisorRespectsAllowedRoles(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: support
    name: Support
    workflow: supervisor
    default_agent: billing
    allowed_roles: [admin]
agents:
  - id: billing
    domain_id: support
    name: Billing
    state: PRODUCTION
    system_prompt: x
    model_id: m
`)
	r := router.New(cfg, nil)
	_, err := r.Route(context.Background(), router.RouteInput{DomainID: "support", LastUserText: "hi", RequesterRole: "customer"})
	require.ErrorIs(t, err, router.ErrNoEligibleAgent)
}

func TestRouteOrchestratorFollowsPipeline(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: onboarding
    name: Onboarding
    workflow: orchestrator
    pipeline: [collect_info, verify_identity, finalize]
agents:
  - id: collect_info
    domain_id: onboarding
    name: Collect Info
    state: PRODUCTION
    system_prompt: x
    model_id: m
  - id: verify_identity
    domain_id: onboarding
    name: Verify Identity
    state: PRODUCTION
    system_prompt: x
    model_id: m
  - id: finalize
    domain_id: onboarding
    name: Finalize
    state: PRODUCTION
    system_prompt: x
    model_id: m
`)
	r := router.New(cfg, nil)

	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "onboarding", TurnIndex: 1})
	require.NoError(t, err)
	require.Equal(t, "verify_identity", d.AgentID)

	d, err = r.Route(context.Background(), router.RouteInput{DomainID: "onboarding", TurnIndex: 99})
	require.NoError(t, err)
	require.Equal(t, "finalize", d.AgentID, "out-of-range turn index clamps to the pipeline's last step")
}

func TestRouteUnknownDomainErrors(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: support
    name: Support
    workflow: supervisor
`)
	r := router.New(cfg, nil)
	_, err := r.Route(context.Background(), router.RouteInput{DomainID: "missing"})
	require.ErrorIs(t, err, config.ErrNotFound)
}

// fakeClient streams back one fixed text response, ignoring the request.
type fakeClient struct{ text string }

func (f fakeClient) Stream(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	return &fakeStream{events: []llm.StreamEvent{llm.TokenChunk{Text: f.text}, llm.Completed{}}}, nil
}

type fakeStream struct {
	events []llm.StreamEvent
	i      int
}

func (s *fakeStream) Next(ctx context.Context) (llm.StreamEvent, error) {
	if s.i >= len(s.events) {
		return s.events[len(s.events)-1], nil
	}
	e := s.events[s.i]
	s.i++
	return e, nil
}

func (s *fakeStream) Cancel()      {}
func (s *fakeStream) Close() error { return nil }

func TestRouteFewShotPicksCandidateNamedInResponse(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: triage
    name: Triage
    workflow: few_shot
agents:
  - id: agent_a
    domain_id: triage
    name: A
    state: PRODUCTION
    system_prompt: x
    model_id: m
  - id: agent_b
    domain_id: triage
    name: B
    state: PRODUCTION
    system_prompt: x
    model_id: m
`)
	r := router.New(cfg, fakeClient{text: "I'll route this to agent_b"})
	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "triage", LastUserText: "help"})
	require.NoError(t, err)
	require.Equal(t, "agent_b", d.AgentID)
}

func TestRouteHybridMixesFixedAndFewShotPhases(t *testing.T) {
	cfg := loadConfig(t, `
domains:
  - id: hybrid_dom
    name: Hybrid
    workflow: hybrid
    hybrid_phases:
      - name: opening
        decider: orchestrator
        agent: agent_a
      - name: followup
        decider: few_shot
agents:
  - id: agent_a
    domain_id: hybrid_dom
    name: A
    state: PRODUCTION
    system_prompt: x
    model_id: m
  - id: agent_b
    domain_id: hybrid_dom
    name: B
    state: PRODUCTION
    system_prompt: x
    model_id: m
`)
	r := router.New(cfg, fakeClient{text: "agent_b it is"})

	d, err := r.Route(context.Background(), router.RouteInput{DomainID: "hybrid_dom", TurnIndex: 0})
	require.NoError(t, err)
	require.Equal(t, "agent_a", d.AgentID)

	d, err = r.Route(context.Background(), router.RouteInput{DomainID: "hybrid_dom", TurnIndex: 1})
	require.NoError(t, err)
	require.Equal(t, "agent_b", d.AgentID)
}
