package wire_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/wire"
)

func TestInDecodesPayloadByType(t *testing.T) {
	raw := `{"type":"send_message","conversationId":"conv-1","payload":{"content":"hi"}}`
	var in wire.In
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Equal(t, wire.InSendMessage, in.Type)
	require.Equal(t, "conv-1", in.ConversationID)

	var p wire.SendMessagePayload
	require.NoError(t, json.Unmarshal(in.Payload, &p))
	require.Equal(t, "hi", p.Content)
}

func TestNewOutMarshalsPayloadAsNestedObject(t *testing.T) {
	out := wire.NewOut(wire.OutMessageChunk, "conv-1", wire.MessageChunkPayload{Chunk: "tok"})
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "message_chunk", decoded["type"])
	require.Equal(t, "conv-1", decoded["conversationId"])
	payload := decoded["payload"].(map[string]any)
	require.Equal(t, "tok", payload["chunk"])
}

func TestOutOmitsEmptyConversationAndRequestID(t *testing.T) {
	out := wire.NewOut(wire.OutPong, "", nil)
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, hasConv := decoded["conversationId"]
	_, hasReq := decoded["requestId"]
	require.False(t, hasConv)
	require.False(t, hasReq)
}

func TestApproveToolPayloadRoundTrip(t *testing.T) {
	raw := `{"type":"approve_tool","requestId":"tr-1","payload":{"approved":false,"reason":"nope"}}`
	var in wire.In
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Equal(t, "tr-1", in.RequestID)

	var p wire.ApproveToolPayload
	require.NoError(t, json.Unmarshal(in.Payload, &p))
	require.False(t, p.Approved)
	require.Equal(t, "nope", p.Reason)
}
