package runner_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/runner"
)

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	for _, s := range []runner.State{runner.StateCompleted, runner.StateCancelled, runner.StateFailed} {
		require.True(t, runner.Terminal(s))
	}
	require.False(t, runner.Terminal(runner.StateRouting))
	require.False(t, runner.Terminal(runner.StateAwaitingApproval))
}

func TestKnownGoodTurnPath(t *testing.T) {
	path := []runner.State{
		runner.StateRouting, runner.StateStreaming, runner.StateAwaitingApproval,
		runner.StateExecutingTool, runner.StateStreamingCont, runner.StateCompleted,
	}
	for i := 1; i < len(path); i++ {
		require.Truef(t, runner.Allowed(path[i-1], path[i]), "%s -> %s should be allowed", path[i-1], path[i])
	}
}

// TestTerminalStatesAreSinks is a property test (invariant 3 of spec.md §8):
// no state reachable from a terminal state exists in the transition table.
func TestTerminalStatesAreSinks(t *testing.T) {
	all := []runner.State{
		runner.StateRouting, runner.StateStreaming, runner.StateAwaitingApproval,
		runner.StateExecutingTool, runner.StateStreamingCont,
		runner.StateCompleted, runner.StateCancelled, runner.StateFailed,
	}

	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	stateGen := gen.OneConstOf(
		runner.StateRouting, runner.StateStreaming, runner.StateAwaitingApproval,
		runner.StateExecutingTool, runner.StateStreamingCont,
		runner.StateCompleted, runner.StateCancelled, runner.StateFailed,
	)

	properties.Property("terminal states never transition anywhere", prop.ForAll(
		func(from runner.State) bool {
			if !runner.Terminal(from) {
				return true
			}
			for _, to := range all {
				if runner.Allowed(from, to) {
					return false
				}
			}
			return true
		},
		stateGen,
	))

	properties.TestingRun(t)
}
