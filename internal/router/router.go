// Package router implements the Router (C4): it selects which agent should
// handle the next turn of a conversation, following one of the domain's
// four workflow strategies. Grounded on the teacher's features/policy/basic
// package philosophy of keeping routing/decision logic small, pure and
// independently testable from the runtime that calls it.
package router

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/llm"
)

// ErrNoAgent is returned when no agent can be selected for a domain/turn.
var ErrNoAgent = errors.New("router: no agent available")

// ErrNoEligibleAgent is returned when every candidate agent (including the
// domain's fallback) fails the eligibility filter: wrong lifecycle state or
// a requester_role the domain doesn't allow.
var ErrNoEligibleAgent = errors.New("router: no eligible agent for domain")

// defaultMinConfidence is used when a domain doesn't set
// MinConfidenceThreshold.
const defaultMinConfidence = 0.2

// continuityBonus is added to an agent's score when it produced the
// conversation's last assistant message, favoring sticking with the
// current agent over a same-score newcomer.
const continuityBonus = 0.1

// Decision is the outcome of routing one turn.
type Decision struct {
	AgentID    string
	Reason     string
	Confidence float64
}

// Router selects the next agent for a conversation turn.
type Router struct {
	cfg *config.Registry
	llm llm.Client
}

// New builds a Router over the config registry and an LLM client used by
// the few_shot strategy's structured-output decision call.
func New(cfg *config.Registry, client llm.Client) *Router {
	return &Router{cfg: cfg, llm: client}
}

// RouteInput is the context a routing decision is made from.
type RouteInput struct {
	DomainID       string
	TurnIndex      int
	LastUserText   string
	PriorAgentID   string
	ConversationID string
	// RequesterRole gates a domain's AllowedRoles, when set.
	RequesterRole string
	// AllowTestingOverride lets a candidate in AgentTesting pass the
	// eligibility filter that would otherwise restrict it to PRODUCTION.
	AllowTestingOverride bool
}

// Route picks the next agent to run for in.
func (r *Router) Route(ctx context.Context, in RouteInput) (Decision, error) {
	dom, err := r.cfg.Domain(in.DomainID)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	switch dom.Workflow {
	case config.WorkflowSupervisor:
		decision, err = r.routeSupervisor(dom, in)
	case config.WorkflowOrchestrator:
		decision, err = r.routeOrchestrator(dom, in)
	case config.WorkflowFewShot:
		decision, err = r.routeFewShot(ctx, dom, in)
	case config.WorkflowHybrid:
		decision, err = r.routeHybrid(ctx, dom, in)
	default:
		return Decision{}, errors.New("router: unknown workflow kind " + string(dom.Workflow))
	}
	if err != nil {
		return Decision{}, err
	}

	return r.gateEligibility(dom, decision, in)
}

// gateEligibility enforces spec.md §4.3's eligibility filter on top of
// whichever strategy picked decision.AgentID: the chosen agent must be
// PRODUCTION (or TESTING with in.AllowTestingOverride) and, if the domain
// restricts AllowedRoles, in.RequesterRole must be among them. An
// ineligible pick falls through to the domain's fallback_agent_id; if that
// is also ineligible (or unset), routing fails outright.
func (r *Router) gateEligibility(dom config.Domain, decision Decision, in RouteInput) (Decision, error) {
	if r.eligible(decision.AgentID, dom, in) {
		return decision, nil
	}
	if dom.FallbackAgent != "" && r.eligible(dom.FallbackAgent, dom, in) {
		return Decision{AgentID: dom.FallbackAgent, Reason: "selected candidate ineligible, fallback agent"}, nil
	}
	return Decision{}, ErrNoEligibleAgent
}

func (r *Router) eligible(agentID string, dom config.Domain, in RouteInput) bool {
	if agentID == "" {
		return false
	}
	a, err := r.cfg.Agent(agentID)
	if err != nil {
		return false
	}
	switch a.State {
	case config.AgentProduction:
	case config.AgentTesting:
		if !in.AllowTestingOverride {
			return false
		}
	default:
		return false
	}
	if len(dom.AllowedRoles) > 0 && in.RequesterRole != "" && !containsString(dom.AllowedRoles, in.RequesterRole) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// routeSupervisor scores each candidate agent by summing the priority of
// every routing_rule/routing_keyword whose keyword appears in the last
// user message, plus a continuity bonus for the agent that produced the
// conversation's last assistant message, per spec.md §4.3. Ties favor the
// domain's default_agent_id. A best score below MinConfidenceThreshold (or
// no candidates at all) falls back to fallback_agent_id, then default_agent.
func (r *Router) routeSupervisor(dom config.Domain, in RouteInput) (Decision, error) {
	agentIDs := r.cfg.AgentsInDomain(dom.ID)
	if len(agentIDs) == 0 {
		return Decision{}, ErrNoAgent
	}
	lowered := strings.ToLower(in.LastUserText)

	type scored struct {
		id    string
		score float64
	}
	cands := make([]scored, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, err := r.cfg.Agent(id)
		if err != nil {
			continue
		}
		score := keywordScore(lowered, dom, a)
		if in.PriorAgentID != "" && in.PriorAgentID == id {
			score += continuityBonus
		}
		cands = append(cands, scored{id: id, score: score})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].id == dom.DefaultAgent
	})

	threshold := dom.MinConfidenceThreshold
	if threshold <= 0 {
		threshold = defaultMinConfidence
	}

	// Take the best-scored eligible candidate; when none is eligible the top
	// one is kept so gateEligibility applies the fallback rule to it.
	best := 0
	for i, c := range cands {
		if r.eligible(c.id, dom, in) {
			best = i
			break
		}
	}

	if len(cands) == 0 || cands[best].score < threshold {
		if dom.FallbackAgent != "" {
			return Decision{AgentID: dom.FallbackAgent, Reason: "below confidence threshold, fallback agent"}, nil
		}
		if dom.DefaultAgent != "" {
			return Decision{AgentID: dom.DefaultAgent, Reason: "below confidence threshold, default agent"}, nil
		}
		return Decision{}, ErrNoAgent
	}
	return Decision{AgentID: cands[best].id, Reason: "keyword score", Confidence: cands[best].score}, nil
}

// keywordScore sums, for every keyword that appears as a substring of
// lowered, the priority a's routing_keywords imply (1) or dom's
// routing_rules assign for that agent+keyword (overriding the implicit 1).
func keywordScore(lowered string, dom config.Domain, a config.Agent) float64 {
	priorities := map[string]int{}
	for _, kw := range a.RoutingKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			priorities[kw] = 1
		}
	}
	for _, rule := range dom.RoutingRules {
		if rule.AgentID != a.ID {
			continue
		}
		kw := strings.ToLower(strings.TrimSpace(rule.Keyword))
		if kw == "" {
			continue
		}
		p := rule.Priority
		if p == 0 {
			p = 1
		}
		priorities[kw] = p
	}

	var score float64
	for kw, p := range priorities {
		if strings.Contains(lowered, kw) {
			score += float64(p)
		}
	}
	return score
}

// routeOrchestrator follows the domain's fixed pipeline by turn index.
func (r *Router) routeOrchestrator(dom config.Domain, in RouteInput) (Decision, error) {
	if len(dom.Pipeline) == 0 {
		return Decision{}, ErrNoAgent
	}
	idx := in.TurnIndex
	if idx >= len(dom.Pipeline) {
		idx = len(dom.Pipeline) - 1
	}
	return Decision{AgentID: dom.Pipeline[idx], Reason: "fixed pipeline position"}, nil
}

// routeFewShot asks the LLM (acting as a router) to pick an agent id from
// the domain's candidate set given a short structured prompt seeded with
// the domain's few_shot_examples.
func (r *Router) routeFewShot(ctx context.Context, dom config.Domain, in RouteInput) (Decision, error) {
	agentIDs := r.cfg.AgentsInDomain(dom.ID)
	if len(agentIDs) == 0 {
		return Decision{}, ErrNoAgent
	}
	if r.llm == nil {
		return Decision{AgentID: agentIDs[0], Reason: "no llm client wired, first candidate"}, nil
	}
	sort.Strings(agentIDs)
	prompt := buildRouterPrompt(agentIDs, dom.FewShotExamples, in.LastUserText)
	chosen, err := runStructuredChoice(ctx, r.llm, prompt, agentIDs)
	if err != nil {
		return Decision{}, err
	}
	return Decision{AgentID: chosen, Reason: "llm router"}, nil
}

func buildRouterPrompt(agentIDs []string, examples []config.FewShotExample, lastUserText string) string {
	var b strings.Builder
	b.WriteString("Pick exactly one agent id from: ")
	b.WriteString(strings.Join(agentIDs, ", "))
	for _, ex := range examples {
		b.WriteString("\nExample - user: ")
		b.WriteString(ex.UserText)
		b.WriteString(" -> agent: ")
		b.WriteString(ex.AgentID)
	}
	b.WriteString("\nUser message: ")
	b.WriteString(lastUserText)
	return b.String()
}

// runStructuredChoice drains a one-shot LLM completion and extracts the
// first candidate id that appears verbatim in the response text.
func runStructuredChoice(ctx context.Context, client llm.Client, prompt string, candidates []string) (string, error) {
	req := llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}
	stream, err := client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var text strings.Builder
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return "", err
		}
		switch e := ev.(type) {
		case llm.TokenChunk:
			text.WriteString(e.Text)
		case llm.Completed:
			goal := text.String()
			for _, c := range candidates {
				if strings.Contains(goal, c) {
					return c, nil
				}
			}
			return candidates[0], nil
		case llm.Error:
			return "", e.Err
		}
	}
}

// routeHybrid consults the domain's per-turn phase list, deciding via
// either a fixed agent/orchestrator step or a few_shot LLM call depending
// on that phase's Decider.
func (r *Router) routeHybrid(ctx context.Context, dom config.Domain, in RouteInput) (Decision, error) {
	if len(dom.HybridPhases) == 0 {
		return Decision{}, ErrNoAgent
	}
	idx := in.TurnIndex
	if idx >= len(dom.HybridPhases) {
		idx = len(dom.HybridPhases) - 1
	}
	phase := dom.HybridPhases[idx]
	switch phase.Decider {
	case "orchestrator":
		if phase.Agent == "" {
			return Decision{}, ErrNoAgent
		}
		return Decision{AgentID: phase.Agent, Reason: "hybrid phase " + phase.Name + " fixed"}, nil
	case "few_shot":
		return r.routeFewShot(ctx, dom, in)
	default:
		return Decision{}, errors.New("router: unknown hybrid phase decider " + phase.Decider)
	}
}
