package ids_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/ids"
)

func TestNewProducesValidIDs(t *testing.T) {
	for _, prefix := range []string{ids.PrefixConversation, ids.PrefixMessage, ids.PrefixToolRun, ids.PrefixTurn, ids.PrefixSession, ids.PrefixDomain, ids.PrefixWorkflowLog} {
		id := ids.New(prefix)
		require.True(t, ids.Valid(id, prefix), "New(%q) produced %q which Valid rejects", prefix, id)
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	a := ids.New(ids.PrefixMessage)
	b := ids.New(ids.PrefixMessage)
	require.NotEqual(t, a, b)
}

func TestValidRejectsWrongPrefix(t *testing.T) {
	id := ids.New(ids.PrefixMessage)
	require.False(t, ids.Valid(id, ids.PrefixToolRun))
}

func TestValidRejectsMalformedUUID(t *testing.T) {
	require.False(t, ids.Valid("msg_not-a-uuid", ids.PrefixMessage))
	require.False(t, ids.Valid("msg_", ids.PrefixMessage))
	require.False(t, ids.Valid("msg", ids.PrefixMessage))
	require.False(t, ids.Valid("", ids.PrefixMessage))
}
