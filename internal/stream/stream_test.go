package stream_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/stream"
)

func TestMemoryPublisherDeliversToSubscriber(t *testing.T) {
	p := stream.NewMemoryPublisher()
	ch, cancel := p.Subscribe("conv-1", 4)
	defer cancel()

	p.Sink("conv-1").Publish(stream.Event{Type: "token_chunk", Payload: map[string]any{"text": "hi"}})

	select {
	case ev := <-ch:
		require.Equal(t, "token_chunk", ev.Type)
		require.Equal(t, "conv-1", ev.ConversationID)
		require.Equal(t, "hi", ev.Payload["text"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryPublisherOnlyDeliversToMatchingConversation(t *testing.T) {
	p := stream.NewMemoryPublisher()
	chA, cancelA := p.Subscribe("conv-a", 4)
	defer cancelA()
	chB, cancelB := p.Subscribe("conv-b", 4)
	defer cancelB()

	p.Sink("conv-a").Publish(stream.Event{Type: "turn_state"})

	select {
	case ev := <-chA:
		require.Equal(t, "conv-a", ev.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("conv-a subscriber never received its event")
	}

	select {
	case <-chB:
		t.Fatal("conv-b subscriber should not have received conv-a's event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryPublisherCancelStopsDelivery(t *testing.T) {
	p := stream.NewMemoryPublisher()
	ch, cancel := p.Subscribe("conv-1", 1)
	cancel()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")
}

func TestNoopPublisherDiscardsSilently(t *testing.T) {
	require.NotPanics(t, func() {
		stream.NoopPublisher{}.Sink("conv-1").Publish(stream.Event{Type: "token_chunk"})
	})
}

func TestProfileGating(t *testing.T) {
	require.True(t, stream.DefaultProfile.Allows("anything"))

	require.True(t, stream.UserChatProfile.Allows("token_chunk"))
	require.True(t, stream.UserChatProfile.Allows("turn_state"))
	require.False(t, stream.UserChatProfile.Allows("usage"))

	require.True(t, stream.AgentDebugProfile.Allows("usage"))

	require.True(t, stream.MetricsProfile.Allows("turn_state"))
	require.False(t, stream.MetricsProfile.Allows("token_chunk"))
}
