package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/approval"
)

func TestAwaitReceivesLateDecision(t *testing.T) {
	c := approval.New(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.Decide(context.Background(), approval.Decision{ToolRunID: "tr1", Approved: true}))
	}()

	d, err := c.Await(ctx, "tr1")
	require.NoError(t, err)
	require.True(t, d.Approved)
}

func TestAwaitTimesOut(t *testing.T) {
	c := approval.New(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, "tr-missing")
	require.ErrorIs(t, err, approval.ErrDecisionTimeout)
}
