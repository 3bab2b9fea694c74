package stream

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
)

// PulsePublisher is a Redis-backed Publisher built on goa.design/pulse
// streams, grounded on the teacher's features/stream/pulse sink/subscriber
// pair (collapsed here into this package's own Event/Publisher contract
// instead of wrapping a second generated runtime event type). Unlike
// MemoryPublisher, events published through a PulsePublisher reach
// subscribers on any hub process pointed at the same Redis instance, which
// is what lets multiple turnloopd replicas share one conversation's live
// event stream.
type PulsePublisher struct {
	redis *redis.Client
}

// NewPulsePublisher returns a Publisher backed by redis.
func NewPulsePublisher(redis *redis.Client) *PulsePublisher {
	return &PulsePublisher{redis: redis}
}

func (p *PulsePublisher) Sink(conversationID string) Sink {
	return &pulseSink{redis: p.redis, conversationID: conversationID}
}

// Subscribe opens a fresh Pulse consumer group on conversationID's stream
// and forwards decoded entries into a buffered channel, matching
// MemoryPublisher.Subscribe's signature so internal/hub can treat either
// Publisher uniformly through the Subscriber interface. Each call creates
// its own consumer group (named after a random id, never reused), exactly
// like MemoryPublisher handing each Subscribe caller its own channel — a
// connection cancelling later via the returned func leaves no pending
// entries behind for anyone else. A Pulse/Redis failure here degrades to
// a subscriber that simply never receives anything, rather than failing
// the caller: the hub's WebSocket connection should still accept other
// frames even if live event delivery is unavailable.
func (p *PulsePublisher) Subscribe(conversationID string, buffer int) (<-chan Event, func()) {
	out := make(chan Event, buffer)
	runCtx, cancel := context.WithCancel(context.Background())

	str, err := streaming.NewStream(pulseStreamName(conversationID), p.redis)
	if err != nil {
		close(out)
		return out, cancel
	}
	sink, err := str.NewSink(runCtx, "hub-"+uuid.NewString())
	if err != nil {
		close(out)
		return out, cancel
	}

	go func() {
		defer close(out)
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal(raw.Payload, &e); err == nil {
					select {
					case out <- e:
					case <-runCtx.Done():
						return
					}
				}
				_ = sink.Ack(runCtx, raw)
			}
		}
	}()

	return out, func() {
		cancel()
		sink.Close(context.Background())
	}
}

// Subscriber is implemented by Publishers that can hand a caller a direct
// channel of events for one conversation, in addition to the Sink-based
// publish path every Publisher supports. internal/hub depends on this
// rather than a concrete Publisher type so it can run against either
// MemoryPublisher (single process) or PulsePublisher (Redis-backed,
// multi-process) without a type switch.
type Subscriber interface {
	Publisher
	Subscribe(conversationID string, buffer int) (<-chan Event, func())
}

func pulseStreamName(conversationID string) string {
	return "turnloop/conversation/" + conversationID
}

type pulseSink struct {
	redis          *redis.Client
	conversationID string
}

// Publish opens (or reuses) the conversation's Pulse stream and appends the
// event. Errors are swallowed the same way MemoryPublisher's full-buffer
// drop is: a best-effort fan-out sink can lose a slow or unreachable
// subscriber's events without failing the turn that produced them.
func (s *pulseSink) Publish(e Event) {
	e.ConversationID = s.conversationID
	str, err := streaming.NewStream(pulseStreamName(s.conversationID), s.redis)
	if err != nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = str.Add(context.Background(), e.Type, payload)
}
