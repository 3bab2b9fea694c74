// Package ids generates the opaque identifiers used throughout turnloop:
// conversation, message, tool-run, turn and session ids are all UUIDv4
// strings with a short type prefix so log lines and wire payloads are easy
// to eyeball in the right component.
package ids

import "github.com/google/uuid"

// Prefixes identify which component minted an id. They are cosmetic only —
// nothing parses them back apart from the prefix check in Valid.
const (
	PrefixConversation = "conv"
	PrefixMessage      = "msg"
	PrefixToolRun      = "tr"
	PrefixTurn         = "turn"
	PrefixSession      = "sess"
	PrefixDomain       = "dom"
	PrefixWorkflowLog  = "wlog"
)

// New mints a fresh id with the given prefix, e.g. New(PrefixConversation)
// returns "conv_3f1c2b7a-...".
func New(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Valid reports whether id looks like an id New would mint for prefix.
func Valid(id, prefix string) bool {
	if len(id) <= len(prefix)+1 || id[:len(prefix)] != prefix || id[len(prefix)] != '_' {
		return false
	}
	_, err := uuid.Parse(id[len(prefix)+1:])
	return err == nil
}
