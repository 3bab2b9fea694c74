package sqlitestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/convstore/sqlitestore"
)

func openTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndLoadConversation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	conv, err := s.CreateConversation(ctx, convstore.CreateConversationParams{DomainID: "dom1"})
	require.NoError(t, err)
	require.Equal(t, convstore.ConversationOpen, conv.Status)

	loaded, err := s.LoadConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, loaded.ID)
	require.Equal(t, "dom1", loaded.DomainID)
}

func TestLoadConversationNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadConversation(context.Background(), "missing")
	require.ErrorIs(t, err, convstore.ErrConversationNotFound)
}

func TestEndConversationNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.EndConversation(context.Background(), "missing", convstore.ConversationClosed)
	require.ErrorIs(t, err, convstore.ErrConversationNotFound)
}

func TestAppendMessageMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv, err := s.CreateConversation(ctx, convstore.CreateConversationParams{DomainID: "dom1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, convstore.Message{ConversationID: conv.ID, Role: convstore.RoleUser, Content: "hi"})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), m.Seq)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, int64(3), msgs[0].Seq)
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendMessage(context.Background(), convstore.Message{ConversationID: "missing"})
	require.ErrorIs(t, err, convstore.ErrConversationNotFound)
}

func TestTransitionToolRunDAG(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv, err := s.CreateConversation(ctx, convstore.CreateConversationParams{DomainID: "dom1"})
	require.NoError(t, err)

	run, err := s.CreateToolRun(ctx, convstore.ToolRun{ConversationID: conv.ID, ToolID: "t1", Arguments: "{}"})
	require.NoError(t, err)
	require.Equal(t, convstore.ToolRunPending, run.Status)

	_, err = s.TransitionToolRun(ctx, run.ID, convstore.ToolRunExecuting, nil)
	require.ErrorIs(t, err, convstore.ErrIllegalTransition)

	run, err = s.TransitionToolRun(ctx, run.ID, convstore.ToolRunApproved, nil)
	require.NoError(t, err)
	run, err = s.TransitionToolRun(ctx, run.ID, convstore.ToolRunExecuting, nil)
	require.NoError(t, err)
	run, err = s.TransitionToolRun(ctx, run.ID, convstore.ToolRunExecuted, func(r *convstore.ToolRun) {
		r.Result = `{"ok":true}`
	})
	require.NoError(t, err)
	require.Equal(t, convstore.ToolRunExecuted, run.Status)
	require.Equal(t, `{"ok":true}`, run.Result)

	loaded, err := s.LoadToolRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, convstore.ToolRunExecuted, loaded.Status)

	runs, err := s.ListToolRuns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestLoadToolRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadToolRun(context.Background(), "missing")
	require.ErrorIs(t, err, convstore.ErrToolRunNotFound)
}

func TestAppendWorkflowLogMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv, err := s.CreateConversation(ctx, convstore.CreateConversationParams{DomainID: "dom1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e, err := s.AppendWorkflowLog(ctx, convstore.WorkflowLogEntry{ConversationID: conv.ID, Type: "tool_run_transition", Payload: "{}"})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), e.Seq)
		require.NotEmpty(t, e.ID)
	}

	entries, err := s.ListWorkflowLog(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
