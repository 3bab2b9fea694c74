package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/config"
)

const validDoc = `
domains:
  - id: support
    name: Customer Support
    workflow: supervisor
    default_agent: triage
tools:
  - id: lookup_order
    name: lookup_order
    description: Looks up an order by id.
    requires_approval: false
    handler_ref: "https://tools.internal/lookup_order"
    parameter_schema:
      type: object
agents:
  - id: triage
    domain_id: support
    name: Triage
    state: PRODUCTION
    system_prompt: You triage support requests.
    model_id: claude-3-5-sonnet
    tools: [lookup_order]
`

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidDocument(t *testing.T) {
	cfg := config.New(nil)
	require.NoError(t, cfg.Load(writeDoc(t, validDoc)))

	dom, err := cfg.Domain("support")
	require.NoError(t, err)
	require.Equal(t, config.WorkflowSupervisor, dom.Workflow)

	agent, err := cfg.Agent("triage")
	require.NoError(t, err)
	require.Equal(t, config.AgentProduction, agent.State)

	tool, err := cfg.Tool("lookup_order")
	require.NoError(t, err)
	require.True(t, len(tool.HandlerRef) > 0)

	require.ElementsMatch(t, []string{"triage"}, cfg.AgentsInDomain("support"))
	require.ElementsMatch(t, []string{"lookup_order"}, cfg.ToolsForAgent("triage"))

	all := cfg.AllTools()
	require.Len(t, all, 1)
	require.Equal(t, "lookup_order", all[0].ID)

	require.NotEmpty(t, cfg.SnapshotHash())
}

func TestLoadRejectsDanglingReferences(t *testing.T) {
	cfg := config.New(nil)
	err := cfg.Load(writeDoc(t, `
domains:
  - id: support
    name: Customer Support
    workflow: supervisor
agents:
  - id: triage
    domain_id: support
    name: Triage
    state: PRODUCTION
    system_prompt: hi
    model_id: m
    tools: [does_not_exist]
`))
	require.Error(t, err)
	var invalid *config.ConfigInvalid
	require.True(t, errors.As(err, &invalid))
	require.Contains(t, invalid.Reasons[0], "does_not_exist")
}

func TestLoadRejectsDanglingRoutingReferences(t *testing.T) {
	cfg := config.New(nil)
	err := cfg.Load(writeDoc(t, `
domains:
  - id: support
    name: Customer Support
    workflow: supervisor
    default_agent: triage
    fallback_agent_id: does_not_exist
    routing_rules:
      - agent_id: also_missing
        keyword: refund
    few_shot_examples:
      - user_text: hi
        agent_id: still_missing
agents:
  - id: triage
    domain_id: support
    name: Triage
    state: PRODUCTION
    system_prompt: hi
    model_id: m
`))
	require.Error(t, err)
	var invalid *config.ConfigInvalid
	require.True(t, errors.As(err, &invalid))
	require.Contains(t, strings.Join(invalid.Reasons, "\n"), "fallback_agent_id")
	require.Contains(t, strings.Join(invalid.Reasons, "\n"), "routing_rules")
	require.Contains(t, strings.Join(invalid.Reasons, "\n"), "few_shot_examples")
}

func TestUnknownIDsReturnErrNotFound(t *testing.T) {
	cfg := config.New(nil)
	require.NoError(t, cfg.Load(writeDoc(t, validDoc)))

	_, err := cfg.Domain("missing")
	require.ErrorIs(t, err, config.ErrNotFound)
	_, err = cfg.Agent("missing")
	require.ErrorIs(t, err, config.ErrNotFound)
	_, err = cfg.Tool("missing")
	require.ErrorIs(t, err, config.ErrNotFound)
}

func TestReloadKeepsPreviousSnapshotOnFailure(t *testing.T) {
	path := writeDoc(t, validDoc)
	cfg := config.New(nil)
	require.NoError(t, cfg.Load(path))
	firstHash := cfg.SnapshotHash()

	require.NoError(t, os.WriteFile(path, []byte(`domains:
  - id: a
    name: a
    workflow: supervisor
  - id: a
    name: duplicate
    workflow: supervisor
`), 0o644))
	require.Error(t, cfg.Reload(t.Context()))
	require.Equal(t, firstHash, cfg.SnapshotHash(), "a failed reload must not disturb the active snapshot")
}
