// Package memstore is an in-process convstore.Store backend, grounded on
// the teacher's runtime/agent/session in-memory store idiom: a mutex-guarded
// map per aggregate, used by tests and the --store=memory dev mode.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/ids"
)

// Store is an in-memory convstore.Store.
type Store struct {
	mu        sync.Mutex
	conv      map[string]convstore.Conversation
	messages  map[string][]convstore.Message
	toolRuns  map[string]convstore.ToolRun
	workflow  map[string][]convstore.WorkflowLogEntry
	seqMsg    map[string]int64
	seqLog    map[string]int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		conv:     map[string]convstore.Conversation{},
		messages: map[string][]convstore.Message{},
		toolRuns: map[string]convstore.ToolRun{},
		workflow: map[string][]convstore.WorkflowLogEntry{},
		seqMsg:   map[string]int64{},
		seqLog:   map[string]int64{},
	}
}

func (s *Store) CreateConversation(ctx context.Context, params convstore.CreateConversationParams) (convstore.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c := convstore.Conversation{
		ID:         ids.New(ids.PrefixConversation),
		DomainID:   params.DomainID,
		Title:      params.Title,
		CreatorSub: params.CreatorSub,
		Status:     convstore.ConversationOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   map[string]string{},
	}
	s.conv[c.ID] = c
	return c, nil
}

func (s *Store) SetInitialAgent(ctx context.Context, id string, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conv[id]
	if !ok {
		return convstore.ErrConversationNotFound
	}
	if c.InitialAgentID == "" {
		c.InitialAgentID = agentID
		c.UpdatedAt = time.Now()
		s.conv[id] = c
	}
	return nil
}

func (s *Store) LoadConversation(ctx context.Context, id string) (convstore.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conv[id]
	if !ok {
		return convstore.Conversation{}, convstore.ErrConversationNotFound
	}
	return c, nil
}

func (s *Store) EndConversation(ctx context.Context, id string, status convstore.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conv[id]
	if !ok {
		return convstore.ErrConversationNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	s.conv[id] = c
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg convstore.Message) (convstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conv[msg.ConversationID]; !ok {
		return convstore.Message{}, convstore.ErrConversationNotFound
	}
	s.seqMsg[msg.ConversationID]++
	msg.Seq = s.seqMsg[msg.ConversationID]
	if msg.ID == "" {
		msg.ID = ids.New(ids.PrefixMessage)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]convstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []convstore.Message
	for _, m := range s.messages[conversationID] {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) CreateToolRun(ctx context.Context, run convstore.ToolRun) (convstore.ToolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = ids.New(ids.PrefixToolRun)
	}
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Status == "" {
		run.Status = convstore.ToolRunPending
	}
	s.toolRuns[run.ID] = run
	return run, nil
}

func (s *Store) LoadToolRun(ctx context.Context, id string) (convstore.ToolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.toolRuns[id]
	if !ok {
		return convstore.ToolRun{}, convstore.ErrToolRunNotFound
	}
	return r, nil
}

func (s *Store) TransitionToolRun(ctx context.Context, id string, to convstore.ToolRunStatus, apply func(*convstore.ToolRun)) (convstore.ToolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.toolRuns[id]
	if !ok {
		return convstore.ToolRun{}, convstore.ErrToolRunNotFound
	}
	if !convstore.AllowedToolRunTransition(r.Status, to) {
		return convstore.ToolRun{}, convstore.ErrIllegalTransition
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	if apply != nil {
		apply(&r)
	}
	s.toolRuns[id] = r
	return r, nil
}

func (s *Store) ListToolRuns(ctx context.Context, conversationID string) ([]convstore.ToolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []convstore.ToolRun
	for _, r := range s.toolRuns {
		if r.ConversationID == conversationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) AppendWorkflowLog(ctx context.Context, entry convstore.WorkflowLogEntry) (convstore.WorkflowLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqLog[entry.ConversationID]++
	entry.Seq = s.seqLog[entry.ConversationID]
	if entry.ID == "" {
		entry.ID = ids.New("wlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.workflow[entry.ConversationID] = append(s.workflow[entry.ConversationID], entry)
	return entry, nil
}

func (s *Store) ListWorkflowLog(ctx context.Context, conversationID string, afterSeq int64) ([]convstore.WorkflowLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []convstore.WorkflowLogEntry
	for _, e := range s.workflow[conversationID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ convstore.Store = (*Store)(nil)
