// Package stream implements the event-fan-out abstraction backing the
// Session Hub (C9): a small tagged Event type plus a Sink/Publisher
// contract, adapted from the teacher's runtime/agent/stream package (a
// 792-line Sink/Event/StreamProfile design built around workflow hook
// events) and narrowed to the handful of event kinds a turn emits —
// token_chunk, turn_state, tool_approval_required, tool_executed and
// workflow_handoff. Profile gates event kinds the way the teacher gates
// AgentDebug events behind a debug profile; the Session Hub applies no
// Profile to its subscribers.
package stream

import (
	"sync"
)

// Event is one fan-out message published for a conversation. Type
// discriminates the payload shape the same way llm.StreamEvent and
// engine's workflow log entries do, so hub/wire can share one envelope
// convention across the codebase.
type Event struct {
	Type           string
	ConversationID string
	Payload        map[string]any
}

// Profile names a class of events a subscriber wants delivered, mirroring
// the teacher's StreamProfile constructors (Default, UserChat, AgentDebug,
// Metrics) but expressed as a plain predicate set rather than a struct of
// booleans, since this spec has far fewer event kinds to gate.
type Profile struct {
	name    string
	allowed map[string]bool
}

func newProfile(name string, kinds ...string) Profile {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return Profile{name: name, allowed: allowed}
}

// Allows reports whether an event of the given type should be delivered
// under this profile.
func (p Profile) Allows(eventType string) bool {
	if len(p.allowed) == 0 {
		return true
	}
	return p.allowed[eventType]
}

func (p Profile) String() string { return p.name }

var (
	// DefaultProfile delivers every event kind this package defines.
	DefaultProfile = newProfile("default")
	// UserChatProfile is what a plain chat UI subscribes with: assistant
	// tokens, turn-state transitions and tool lifecycle, but no raw usage
	// accounting noise.
	UserChatProfile = newProfile("user_chat", "turn_state", "token_chunk", "tool_approval_required", "tool_executed")
	// AgentDebugProfile adds usage/cost accounting on top of UserChatProfile,
	// for operator tooling.
	AgentDebugProfile = newProfile("agent_debug", "turn_state", "token_chunk", "tool_approval_required", "tool_executed", "usage")
	// MetricsProfile delivers only the events internal/metrics cares about.
	MetricsProfile = newProfile("metrics", "turn_state", "usage")
)

// Sink accepts Events for one conversation's subscribers.
type Sink interface {
	Publish(e Event)
}

// Publisher hands out a Sink scoped to one conversation. Conversation
// Runner activities call Publisher.Sink once per turn and publish through
// it; the Session Hub implements Publisher by fanning each Event out to
// every WebSocket connection subscribed to that conversation id.
type Publisher interface {
	Sink(conversationID string) Sink
}

// MemoryPublisher is a process-local Publisher with no transport attached,
// useful for tests and for --engine=inmem dev mode where no hub is wired.
// The Session Hub (internal/hub) uses it as its in-process event bus,
// attaching one Subscribe-backed WebSocket writer per connection.
type MemoryPublisher struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewMemoryPublisher returns a Publisher that fans events out to in-process
// channel subscribers registered via Subscribe, with no cross-process
// delivery.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{subs: map[string][]chan Event{}}
}

func (p *MemoryPublisher) Sink(conversationID string) Sink {
	return &memorySink{publisher: p, conversationID: conversationID}
}

// Subscribe registers a buffered channel to receive every Event published
// for conversationID. The returned func unregisters it.
func (p *MemoryPublisher) Subscribe(conversationID string, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	p.mu.Lock()
	p.subs[conversationID] = append(p.subs[conversationID], ch)
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		chans := p.subs[conversationID]
		for i, c := range chans {
			if c == ch {
				p.subs[conversationID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

type memorySink struct {
	publisher      *MemoryPublisher
	conversationID string
}

func (s *memorySink) Publish(e Event) {
	e.ConversationID = s.conversationID
	s.publisher.mu.Lock()
	chans := append([]chan Event(nil), s.publisher.subs[s.conversationID]...)
	s.publisher.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- e:
		default:
			// A full buffer only ever happens to a slow/stuck subscriber;
			// the event is dropped for that subscriber, whatever its type.
		}
	}
}

// NoopPublisher discards every event; useful where a Publisher is required
// by a constructor but no subscriber will ever attach (unit tests of
// runner activities that don't exercise streaming output).
type NoopPublisher struct{}

func (NoopPublisher) Sink(string) Sink { return noopSink{} }

type noopSink struct{}

func (noopSink) Publish(Event) {}
