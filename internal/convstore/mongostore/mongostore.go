// Package mongostore is a go.mongodb.org/mongo-driver/v2 convstore.Store
// backend, grounded on the teacher's features/session/mongo and
// features/run/mongo packages: one collection per aggregate, each record's
// own opaque id used as the document key (`_id`) where the teacher uses the
// session id, and findOneAndUpdate with a status filter for
// TransitionToolRun's compare-and-set (the same pattern the teacher uses
// to move a Run between statuses without a distributed lock).
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/ids"
)

// Store is a Mongo-backed convstore.Store.
type Store struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	toolRuns      *mongo.Collection
	workflowLog   *mongo.Collection
}

// New wraps db with the four collections this store uses, creating the
// indexes AppendMessage/AppendWorkflowLog rely on for monotonic seq
// assignment.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		toolRuns:      db.Collection("tool_runs"),
		workflowLog:   db.Collection("workflow_log"),
	}
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	_, err = s.workflowLog.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

type conversationDoc struct {
	ID             string            `bson:"_id"`
	DomainID       string            `bson:"domain_id"`
	InitialAgentID string            `bson:"initial_agent_id,omitempty"`
	Title          string            `bson:"title,omitempty"`
	CreatorSub     string            `bson:"creator_sub,omitempty"`
	Status         string            `bson:"status"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
	Metadata       map[string]string `bson:"metadata"`
}

func (s *Store) CreateConversation(ctx context.Context, params convstore.CreateConversationParams) (convstore.Conversation, error) {
	now := time.Now()
	doc := conversationDoc{
		ID:         ids.New(ids.PrefixConversation),
		DomainID:   params.DomainID,
		Title:      params.Title,
		CreatorSub: params.CreatorSub,
		Status:     string(convstore.ConversationOpen),
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   map[string]string{},
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		return convstore.Conversation{}, err
	}
	return convstore.Conversation{
		ID: doc.ID, DomainID: doc.DomainID, Title: doc.Title, CreatorSub: doc.CreatorSub,
		Status:    convstore.ConversationOpen,
		CreatedAt: now, UpdatedAt: now, Metadata: doc.Metadata,
	}, nil
}

func (s *Store) LoadConversation(ctx context.Context, id string) (convstore.Conversation, error) {
	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return convstore.Conversation{}, convstore.ErrConversationNotFound
		}
		return convstore.Conversation{}, err
	}
	return convstore.Conversation{
		ID: doc.ID, DomainID: doc.DomainID, InitialAgentID: doc.InitialAgentID,
		Title: doc.Title, CreatorSub: doc.CreatorSub, Status: convstore.ConversationStatus(doc.Status),
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt, Metadata: doc.Metadata,
	}, nil
}

func (s *Store) EndConversation(ctx context.Context, id string, status convstore.ConversationStatus) error {
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return convstore.ErrConversationNotFound
	}
	return nil
}

func (s *Store) SetInitialAgent(ctx context.Context, id string, agentID string) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "$or": bson.A{bson.M{"initial_agent_id": ""}, bson.M{"initial_agent_id": bson.M{"$exists": false}}}},
		bson.M{"$set": bson.M{"initial_agent_id": agentID, "updated_at": time.Now()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		var exists conversationDoc
		if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&exists); err != nil {
			if err == mongo.ErrNoDocuments {
				return convstore.ErrConversationNotFound
			}
			return err
		}
	}
	return nil
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	Seq            int64     `bson:"seq"`
	Role           string    `bson:"role"`
	AgentID        string    `bson:"agent_id,omitempty"`
	Content        string    `bson:"content"`
	CreatedAt      time.Time `bson:"created_at"`
}

// AppendMessage assigns seq as one more than the conversation's current
// highest seq (nextSeq), then inserts the message. If the
// insert races and loses the unique (conversation_id, seq) index, the
// caller sees a duplicate-key error rather than silently losing a
// sequence number.
func (s *Store) AppendMessage(ctx context.Context, msg convstore.Message) (convstore.Message, error) {
	var exists conversationDoc
	if err := s.conversations.FindOne(ctx, bson.M{"_id": msg.ConversationID}).Decode(&exists); err != nil {
		if err == mongo.ErrNoDocuments {
			return convstore.Message{}, convstore.ErrConversationNotFound
		}
		return convstore.Message{}, err
	}
	seq, err := s.nextSeq(ctx, s.messages, msg.ConversationID)
	if err != nil {
		return convstore.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = ids.New(ids.PrefixMessage)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Seq = seq
	doc := messageDoc{
		ID: msg.ID, ConversationID: msg.ConversationID, Seq: seq,
		Role: string(msg.Role), AgentID: msg.AgentID, Content: msg.Content, CreatedAt: msg.CreatedAt,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return convstore.Message{}, err
	}
	return msg, nil
}

// nextSeq computes the next sequence number for conversationID by reading
// the current max and incrementing; the caller's collection carries a
// unique (conversation_id, seq) index so a lost race surfaces as a
// duplicate-key write error instead of corrupting ordering.
func (s *Store) nextSeq(ctx context.Context, coll *mongo.Collection, conversationID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := coll.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&doc)
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, err
	}
	return doc.Seq + 1, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]convstore.Message, error) {
	cur, err := s.messages.Find(ctx,
		bson.M{"conversation_id": conversationID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []convstore.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, convstore.Message{
			ID: doc.ID, ConversationID: doc.ConversationID, Seq: doc.Seq,
			Role: convstore.Role(doc.Role), AgentID: doc.AgentID, Content: doc.Content, CreatedAt: doc.CreatedAt,
		})
	}
	return out, cur.Err()
}

type toolRunDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	TurnID         string    `bson:"turn_id"`
	ToolID         string    `bson:"tool_id"`
	Status         string    `bson:"status"`
	Arguments      string    `bson:"arguments"`
	Result         string    `bson:"result,omitempty"`
	Error          string    `bson:"error,omitempty"`
	RequestedBy    string    `bson:"requested_by,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toToolRun(d toolRunDoc) convstore.ToolRun {
	return convstore.ToolRun{
		ID: d.ID, ConversationID: d.ConversationID, TurnID: d.TurnID, ToolID: d.ToolID,
		Status: convstore.ToolRunStatus(d.Status), Arguments: d.Arguments, Result: d.Result,
		Error: d.Error, RequestedBy: d.RequestedBy, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (s *Store) CreateToolRun(ctx context.Context, run convstore.ToolRun) (convstore.ToolRun, error) {
	if run.ID == "" {
		run.ID = ids.New(ids.PrefixToolRun)
	}
	if run.Status == "" {
		run.Status = convstore.ToolRunPending
	}
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	doc := toolRunDoc{
		ID: run.ID, ConversationID: run.ConversationID, TurnID: run.TurnID, ToolID: run.ToolID,
		Status: string(run.Status), Arguments: run.Arguments, RequestedBy: run.RequestedBy,
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := s.toolRuns.InsertOne(ctx, doc); err != nil {
		return convstore.ToolRun{}, err
	}
	return run, nil
}

func (s *Store) LoadToolRun(ctx context.Context, id string) (convstore.ToolRun, error) {
	var doc toolRunDoc
	if err := s.toolRuns.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return convstore.ToolRun{}, convstore.ErrToolRunNotFound
		}
		return convstore.ToolRun{}, err
	}
	return toToolRun(doc), nil
}

// TransitionToolRun reads the run, checks the edge from its current status
// with AllowedToolRunTransition, then writes with findOneAndUpdate filtered
// on that same status, so a concurrent writer that moved the run in between
// makes the compare-and-set miss and return ErrIllegalTransition. A missing
// run yields ErrToolRunNotFound.
func (s *Store) TransitionToolRun(ctx context.Context, id string, to convstore.ToolRunStatus, apply func(*convstore.ToolRun)) (convstore.ToolRun, error) {
	var current toolRunDoc
	if err := s.toolRuns.FindOne(ctx, bson.M{"_id": id}).Decode(&current); err != nil {
		if err == mongo.ErrNoDocuments {
			return convstore.ToolRun{}, convstore.ErrToolRunNotFound
		}
		return convstore.ToolRun{}, err
	}
	if !convstore.AllowedToolRunTransition(convstore.ToolRunStatus(current.Status), to) {
		return convstore.ToolRun{}, convstore.ErrIllegalTransition
	}
	r := toToolRun(current)
	r.Status = to
	r.UpdatedAt = time.Now()
	if apply != nil {
		apply(&r)
	}
	res := s.toolRuns.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": current.Status},
		bson.M{"$set": bson.M{"status": string(r.Status), "result": r.Result, "error": r.Error, "updated_at": r.UpdatedAt}},
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	var updated toolRunDoc
	if err := res.Decode(&updated); err != nil {
		if err == mongo.ErrNoDocuments {
			// another writer raced us between the read and the CAS.
			return convstore.ToolRun{}, convstore.ErrIllegalTransition
		}
		return convstore.ToolRun{}, err
	}
	return toToolRun(updated), nil
}

func (s *Store) ListToolRuns(ctx context.Context, conversationID string) ([]convstore.ToolRun, error) {
	cur, err := s.toolRuns.Find(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []convstore.ToolRun
	for cur.Next(ctx) {
		var doc toolRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, toToolRun(doc))
	}
	return out, cur.Err()
}

type workflowLogDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	Seq            int64     `bson:"seq"`
	Type           string    `bson:"type"`
	Payload        string    `bson:"payload"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (s *Store) AppendWorkflowLog(ctx context.Context, entry convstore.WorkflowLogEntry) (convstore.WorkflowLogEntry, error) {
	seq, err := s.nextSeq(ctx, s.workflowLog, entry.ConversationID)
	if err != nil {
		return convstore.WorkflowLogEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = ids.New("wlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Seq = seq
	doc := workflowLogDoc{
		ID: entry.ID, ConversationID: entry.ConversationID, Seq: seq,
		Type: entry.Type, Payload: entry.Payload, CreatedAt: entry.CreatedAt,
	}
	if _, err := s.workflowLog.InsertOne(ctx, doc); err != nil {
		return convstore.WorkflowLogEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListWorkflowLog(ctx context.Context, conversationID string, afterSeq int64) ([]convstore.WorkflowLogEntry, error) {
	cur, err := s.workflowLog.Find(ctx,
		bson.M{"conversation_id": conversationID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []convstore.WorkflowLogEntry
	for cur.Next(ctx) {
		var doc workflowLogDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, convstore.WorkflowLogEntry{
			ID: doc.ID, ConversationID: doc.ConversationID, Seq: doc.Seq,
			Type: doc.Type, Payload: doc.Payload, CreatedAt: doc.CreatedAt,
		})
	}
	return out, cur.Err()
}

var _ convstore.Store = (*Store)(nil)
