package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/convstore/memstore"
	"github.com/turnloop/turnloop/internal/engine/inmem"
	"github.com/turnloop/turnloop/internal/llm"
	"github.com/turnloop/turnloop/internal/router"
	"github.com/turnloop/turnloop/internal/runner"
	"github.com/turnloop/turnloop/internal/stream"
	"github.com/turnloop/turnloop/internal/toolreg"
)

const testDoc = `
domains:
  - id: dom1
    name: Support
    workflow: supervisor
    default_agent: assistant
agents:
  - id: assistant
    domain_id: dom1
    name: Assistant
    state: PRODUCTION
    system_prompt: you are helpful
    model_id: test-model
    tools: [echo]
tools:
  - id: echo
    name: Echo
    description: echoes its input
    parameter_schema:
      type: object
      properties:
        text:
          type: string
      required: [text]
    requires_approval: false
    handler_ref: local
`

// scriptedClient replays a fixed sequence of Stream calls, one call's
// worth of events per invocation, mimicking a model that calls one tool
// then finishes.
type scriptedClient struct {
	mu    sync.Mutex
	calls int
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	c.mu.Lock()
	n := c.calls
	c.calls++
	c.mu.Unlock()

	if n == 0 {
		return &scriptedStream{events: []llm.StreamEvent{
			llm.TokenChunk{Text: "looking it up"},
			llm.ToolCallIntent{ToolCallID: "call1", Name: "echo", ArgsJSON: `{"text":"hi"}`},
		}}, nil
	}
	return &scriptedStream{events: []llm.StreamEvent{
		llm.TokenChunk{Text: "done"},
		llm.Completed{StopReason: "end_turn"},
	}}, nil
}

type scriptedStream struct {
	events []llm.StreamEvent
	idx    int
}

func (s *scriptedStream) Next(ctx context.Context) (llm.StreamEvent, error) {
	if s.idx >= len(s.events) {
		return llm.Completed{}, nil
	}
	e := s.events[s.idx]
	s.idx++
	return e, nil
}

func (s *scriptedStream) Cancel()     {}
func (s *scriptedStream) Close() error { return nil }

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDoc), 0o644))
	return path
}

func TestTurnWorkflowRunsToolThenCompletes(t *testing.T) {
	cfg := config.New(nil)
	require.NoError(t, cfg.Load(writeTestConfig(t)))

	store := memstore.New()
	conv, err := store.CreateConversation(context.Background(), convstore.CreateConversationParams{DomainID: "dom1"})
	require.NoError(t, err)

	client := &scriptedClient{}
	tools := toolreg.New(cfg, nil)
	require.NoError(t, tools.RegisterHandler("echo", func(ctx context.Context, argsJSON string) (string, error) {
		return argsJSON, nil
	}))

	rt := router.New(cfg, client)
	approvals := approval.New(nil, nil)
	pub := stream.NewMemoryPublisher()

	r := runner.New(runner.Deps{
		Config: cfg, Store: store, LLM: client, Tools: tools,
		Router: rt, Approvals: approvals, Hub: pub,
	})

	e := inmem.New()
	r.RegisterWith(e)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := r.StartTurn(ctx, e, runner.TurnInput{
		ConversationID: conv.ID, DomainID: "dom1", UserText: "hello there",
	})
	require.NoError(t, err)

	var result runner.TurnResult
	require.NoError(t, handle.Wait(ctx, &result))
	require.Equal(t, runner.StateCompleted, result.FinalState)
	require.Equal(t, "assistant", result.AgentID)

	runs, err := store.ListToolRuns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, convstore.ToolRunExecuted, runs[0].Status)
	require.Equal(t, `{"text":"hi"}`, runs[0].Result)
}

const testDocApprovalRequired = `
domains:
  - id: dom1
    name: Support
    workflow: supervisor
    default_agent: assistant
agents:
  - id: assistant
    domain_id: dom1
    name: Assistant
    state: PRODUCTION
    system_prompt: you are helpful
    model_id: test-model
    tools: [echo]
tools:
  - id: echo
    name: Echo
    description: echoes its input
    parameter_schema:
      type: object
      properties:
        text:
          type: string
      required: [text]
    requires_approval: true
    handler_ref: local
`

func TestTurnWorkflowAwaitsApprovalBeforeExecuting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDocApprovalRequired), 0o644))

	cfg := config.New(nil)
	require.NoError(t, cfg.Load(path))

	store := memstore.New()
	conv, err := store.CreateConversation(context.Background(), convstore.CreateConversationParams{DomainID: "dom1"})
	require.NoError(t, err)

	client := &scriptedClient{}
	tools := toolreg.New(cfg, nil)
	require.NoError(t, tools.RegisterHandler("echo", func(ctx context.Context, argsJSON string) (string, error) {
		return argsJSON, nil
	}))

	rt := router.New(cfg, client)
	approvals := approval.New(nil, nil)
	pub := stream.NewMemoryPublisher()

	r := runner.New(runner.Deps{
		Config: cfg, Store: store, LLM: client, Tools: tools,
		Router: rt, Approvals: approvals, Hub: pub,
	})
	e := inmem.New()
	r.RegisterWith(e)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := r.StartTurn(ctx, e, runner.TurnInput{
		ConversationID: conv.ID, DomainID: "dom1", UserText: "hello there",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runs, _ := store.ListToolRuns(ctx, conv.ID)
		return len(runs) == 1 && runs[0].Status == convstore.ToolRunPending
	}, time.Second, 10*time.Millisecond)

	runs, err := store.ListToolRuns(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, approvals.Decide(ctx, approval.Decision{ToolRunID: runs[0].ID, Approved: true, DecidedBy: "op1"}))

	var result runner.TurnResult
	require.NoError(t, handle.Wait(ctx, &result))
	require.Equal(t, runner.StateCompleted, result.FinalState)

	runs, err = store.ListToolRuns(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, convstore.ToolRunExecuted, runs[0].Status)
}
