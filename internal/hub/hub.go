// Package hub implements the Session Hub (C9): a WebSocket transport over
// gorilla/websocket with JWT handshake verification, per-conversation
// mailbox serialization (at most one turn in flight per conversation id,
// per spec.md §5), and a bounded, selectively-lossy outbound queue.
// Grounded on vanducng-goclaw's connection-registry + per-client writer
// goroutine idiom (one reader goroutine, one buffered-channel writer
// goroutine per connection, cleanly separated so a slow client can never
// block the reader) adapted to this spec's mailbox/backpressure rules.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/authn"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/engine"
	"github.com/turnloop/turnloop/internal/metrics"
	"github.com/turnloop/turnloop/internal/runner"
	"github.com/turnloop/turnloop/internal/stream"
	"github.com/turnloop/turnloop/internal/telemetry"
	"github.com/turnloop/turnloop/internal/wire"
)

// outboundQueueSize is the per-connection bounded queue depth (spec.md §6).
const outboundQueueSize = 256

// droppable reports whether an outbound event kind may be dropped under
// backpressure; message_complete, tool_*, error and conversation_started
// are never dropped; only message_chunk is.
func droppable(t wire.OutType) bool {
	return t == wire.OutMessageChunk
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub serves the WebSocket surface and owns per-conversation mailboxes.
type Hub struct {
	engine    engine.Engine
	runner    *runner.Runner
	store     convstore.Store
	cfg       *config.Registry
	verifier  *authn.Verifier
	approvals *approval.Coordinator
	pub       stream.Subscriber
	logger    telemetry.Logger
	metrics   *metrics.Collectors

	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

// Deps bundles Hub's collaborators. Publisher accepts either
// *stream.MemoryPublisher (single process) or *stream.PulsePublisher
// (Redis-backed, for a multi-replica deployment) since both implement
// stream.Subscriber.
type Deps struct {
	Engine    engine.Engine
	Runner    *runner.Runner
	Store     convstore.Store
	Config    *config.Registry
	Verifier  *authn.Verifier
	Approvals *approval.Coordinator
	Publisher stream.Subscriber
	Metrics   *metrics.Collectors
	Logger    telemetry.Logger
}

// New builds a Hub.
func New(d Deps) *Hub {
	logger := d.Logger
	if logger == nil {
		logger = telemetry.Noop{}
	}
	return &Hub{
		engine: d.Engine, runner: d.Runner, store: d.Store, cfg: d.Config,
		verifier: d.Verifier, approvals: d.Approvals, pub: d.Publisher,
		metrics: d.Metrics, logger: logger, mailboxes: map[string]*mailbox{},
	}
}

// mailbox serializes inbound frames for one conversation: at most one
// send_message is ever being processed at a time, per spec.md §5.
type mailbox struct {
	mu   sync.Mutex
	busy bool
}

func (h *Hub) mailboxFor(conversationID string) *mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.mailboxes[conversationID]
	if !ok {
		m = &mailbox{}
		h.mailboxes[conversationID] = m
	}
	return m
}

// ServeWS upgrades r into a WebSocket connection after verifying the
// ?token= handshake credential, per spec.md §6's close-code contract
// (1008 on auth failure).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &connection{
		hub: h, conn: conn, claims: claims,
		out:  make(chan wire.Out, outboundQueueSize),
		done: make(chan struct{}),
	}
	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		defer h.metrics.ActiveConnections.Dec()
	}
	go c.writeLoop()
	c.readLoop()
}

// connection is one live WebSocket session.
type connection struct {
	hub    *Hub
	conn   *websocket.Conn
	claims authn.Claims

	out  chan wire.Out
	done chan struct{}

	mu             sync.Mutex
	subscriptions  map[string]func()
}

func (c *connection) readLoop() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in wire.In
		if err := json.Unmarshal(data, &in); err != nil {
			c.send(wire.NewOut(wire.OutError, "", wire.ErrorPayload{Code: wire.ErrBadRequest, Message: "malformed envelope"}))
			continue
		}
		c.handle(in)
	}
}

func (c *connection) handle(in wire.In) {
	switch in.Type {
	case wire.InPing:
		c.send(wire.NewOut(wire.OutPong, "", nil))

	case wire.InStartConversation:
		var p wire.StartConversationPayload
		_ = json.Unmarshal(in.Payload, &p)
		conv, err := c.hub.store.CreateConversation(context.Background(), convstore.CreateConversationParams{
			DomainID: p.DomainID, Title: p.Title, CreatorSub: c.claims.Subject,
		})
		if err != nil {
			c.send(wire.NewOut(wire.OutError, "", wire.ErrorPayload{Code: wire.ErrInternal, Message: err.Error()}))
			return
		}
		c.subscribe(conv.ID)
		c.send(wire.NewOut(wire.OutConversationStarted, conv.ID, wire.ConversationStartedPayload{ConversationID: conv.ID, DomainID: p.DomainID}))

	case wire.InSendMessage:
		c.handleSendMessage(in)

	case wire.InCancelStream:
		c.handleCancelStream(in)

	case wire.InApproveTool:
		c.handleApproveTool(in)

	default:
		c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrBadRequest, Message: "unknown message type"}))
	}
}

func (c *connection) handleSendMessage(in wire.In) {
	if in.ConversationID == "" {
		c.send(wire.NewOut(wire.OutError, "", wire.ErrorPayload{Code: wire.ErrBadRequest, Message: "missing conversationId"}))
		return
	}
	mb := c.hub.mailboxFor(in.ConversationID)
	mb.mu.Lock()
	if mb.busy {
		mb.mu.Unlock()
		c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrBusy, Message: "a turn is already in flight"}))
		return
	}
	mb.busy = true
	mb.mu.Unlock()

	var p wire.SendMessagePayload
	_ = json.Unmarshal(in.Payload, &p)

	conv, err := c.hub.store.LoadConversation(context.Background(), in.ConversationID)
	if err != nil {
		c.releaseMailbox(mb)
		c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrNotFound, Message: "unknown conversation"}))
		return
	}

	c.subscribe(in.ConversationID)

	started := time.Now()
	if c.hub.metrics != nil {
		c.hub.metrics.TurnsStarted.WithLabelValues(conv.DomainID).Inc()
	}
	go func() {
		defer c.releaseMailbox(mb)
		ctx := context.Background()
		handle, err := c.hub.runner.StartTurn(ctx, c.hub.engine, runner.TurnInput{
			ConversationID: in.ConversationID, DomainID: conv.DomainID, UserText: p.Content, RequesterRole: c.claims.Role,
		})
		if err != nil {
			c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrInternal, Message: err.Error()}))
			return
		}
		var result runner.TurnResult
		if err := handle.Wait(ctx, &result); err != nil {
			c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrInternal, Message: err.Error()}))
			return
		}
		if c.hub.metrics != nil {
			c.hub.metrics.ObserveTurn(conv.DomainID, string(result.FinalState), time.Since(started).Seconds())
		}
		if result.AgentID != "" {
			c.send(wire.NewOut(wire.OutAgentSelected, in.ConversationID, wire.AgentSelectedPayload{AgentID: result.AgentID}))
		}
		switch result.FinalState {
		case runner.StateCompleted:
			msgs, _ := c.hub.store.ListMessages(ctx, in.ConversationID, 0)
			var last convstore.Message
			for _, m := range msgs {
				if m.Role == convstore.RoleAssistant {
					last = m
				}
			}
			c.send(wire.NewOut(wire.OutMessageComplete, in.ConversationID, wire.MessageCompletePayload{MessageID: last.ID, Content: last.Content, AgentID: last.AgentID}))
		case runner.StateFailed:
			c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrStreamError, Message: result.Error}))
		case runner.StateCancelled:
			c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrCancelled, Message: "turn cancelled"}))
		}
	}()
}

func (c *connection) releaseMailbox(mb *mailbox) {
	mb.mu.Lock()
	mb.busy = false
	mb.mu.Unlock()
}

func (c *connection) handleCancelStream(in wire.In) {
	if in.ConversationID == "" {
		return
	}
	h, err := c.hub.engine.GetWorkflow(context.Background(), "turn-"+in.ConversationID)
	if err != nil {
		return
	}
	// Cancel only requests cancellation; on both backends it sends the
	// __cancel__ signal, which the workflow observes and transitions to
	// StateCancelled itself, at which point handleSendMessage's goroutine
	// sends the real cancelled event. Sending one here too would race it.
	_ = h.Cancel(context.Background())
}

func (c *connection) handleApproveTool(in wire.In) {
	var p wire.ApproveToolPayload
	_ = json.Unmarshal(in.Payload, &p)
	if in.RequestID == "" {
		c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrBadRequest, Message: "missing requestId"}))
		return
	}
	err := c.hub.approvals.Decide(context.Background(), approval.Decision{
		ToolRunID: in.RequestID, Approved: p.Approved, Reason: p.Reason, DecidedBy: c.claims.Subject,
	})
	if err != nil {
		c.send(wire.NewOut(wire.OutError, in.ConversationID, wire.ErrorPayload{Code: wire.ErrInternal, Message: err.Error()}))
		return
	}
	if p.Approved {
		c.send(wire.NewOut(wire.OutToolApproved, in.ConversationID, wire.ToolExecutedPayload{RequestID: in.RequestID}))
	} else {
		c.send(wire.NewOut(wire.OutToolRejected, in.ConversationID, wire.ToolExecutedPayload{RequestID: in.RequestID}))
	}
}

// subscribe attaches conversationID's stream.Event fan-out to this
// connection's outbound queue, translating each Event into the matching
// wire.Out envelope. Idempotent per conversation id.
func (c *connection) subscribe(conversationID string) {
	c.mu.Lock()
	if c.subscriptions == nil {
		c.subscriptions = map[string]func(){}
	}
	if _, ok := c.subscriptions[conversationID]; ok {
		c.mu.Unlock()
		return
	}
	ch, cancel := c.hub.pub.Subscribe(conversationID, outboundQueueSize)
	c.subscriptions[conversationID] = cancel
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.send(translateEvent(ev))
			case <-c.done:
				return
			}
		}
	}()
}

func translateEvent(ev stream.Event) wire.Out {
	switch ev.Type {
	case "token_chunk":
		text, _ := ev.Payload["text"].(string)
		return wire.NewOut(wire.OutMessageChunk, ev.ConversationID, wire.MessageChunkPayload{Chunk: text})
	case "turn_state":
		state, _ := ev.Payload["state"].(string)
		return wire.NewOut(wire.OutWorkflowThought, ev.ConversationID, wire.WorkflowThoughtPayload{Reason: state})
	case "tool_approval_required":
		requestID, _ := ev.Payload["requestId"].(string)
		toolName, _ := ev.Payload["toolName"].(string)
		args, _ := ev.Payload["arguments"].(string)
		return wire.NewOut(wire.OutToolApprovalRequired, ev.ConversationID, wire.ToolApprovalRequiredPayload{
			RequestID: requestID, ToolName: toolName, Arguments: args,
		})
	case "tool_executed":
		requestID, _ := ev.Payload["requestId"].(string)
		success, _ := ev.Payload["success"].(bool)
		result, _ := ev.Payload["result"].(string)
		return wire.NewOut(wire.OutToolExecuted, ev.ConversationID, wire.ToolExecutedPayload{
			RequestID: requestID, Success: success, Result: result,
		})
	case "workflow_handoff":
		from, _ := ev.Payload["fromAgentId"].(string)
		to, _ := ev.Payload["toAgentId"].(string)
		return wire.NewOut(wire.OutWorkflowHandoff, ev.ConversationID, wire.WorkflowHandoffPayload{
			FromAgentID: from, ToAgentID: to,
		})
	default:
		return wire.NewOut(wire.OutWorkflowThought, ev.ConversationID, wire.WorkflowThoughtPayload{Reason: ev.Type})
	}
}

// send enqueues out on the connection's bounded outbound queue, dropping
// the oldest queued droppable event to make room if full, per spec.md §6.
func (c *connection) send(out wire.Out) {
	select {
	case c.out <- out:
		return
	default:
	}
	if droppable(out.Type) {
		select {
		case <-c.out:
		default:
		}
		select {
		case c.out <- out:
		default:
		}
		return
	}
	// Non-droppable and the queue is still full of non-droppable traffic:
	// block briefly rather than lose it.
	select {
	case c.out <- out:
	case <-time.After(time.Second):
	}
}

func (c *connection) writeLoop() {
	defer c.conn.Close()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case out, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	for _, cancel := range c.subscriptions {
		cancel()
	}
	c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
