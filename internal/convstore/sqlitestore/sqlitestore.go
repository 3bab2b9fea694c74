// Package sqlitestore is the default durable convstore.Store backend. It
// uses modernc.org/sqlite (pure Go, no cgo), the store the pack's
// single-process agent gateways (vanducng-goclaw, haasonsaas-nexus) use for
// exactly this kind of small-to-medium durable state, enriching the
// teacher — which only shows a Mongo-backed store — with a lighter option
// this spec's "a durable relational or document store; SQLite-class engines
// are sufficient" note explicitly allows.
package sqlitestore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/ids"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	domain_id TEXT NOT NULL,
	initial_agent_id TEXT,
	title TEXT,
	creator_sub TEXT,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	agent_id TEXT,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(conversation_id, seq)
);
CREATE TABLE IF NOT EXISTS tool_runs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	turn_id TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	status TEXT NOT NULL,
	arguments TEXT NOT NULL,
	result TEXT,
	error TEXT,
	requested_by TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_log (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(conversation_id, seq)
);
`

// Store is a *sql.DB-backed convstore.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and
// ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateConversation(ctx context.Context, params convstore.CreateConversationParams) (convstore.Conversation, error) {
	c := convstore.Conversation{
		ID:         ids.New(ids.PrefixConversation),
		DomainID:   params.DomainID,
		Title:      params.Title,
		CreatorSub: params.CreatorSub,
		Status:     convstore.ConversationOpen,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		Metadata:   map[string]string{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, domain_id, initial_agent_id, title, creator_sub, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DomainID, c.InitialAgentID, c.Title, c.CreatorSub, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return convstore.Conversation{}, err
	}
	return c, nil
}

func (s *Store) LoadConversation(ctx context.Context, id string) (convstore.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, domain_id, initial_agent_id, title, creator_sub, status, created_at, updated_at FROM conversations WHERE id = ?`, id)
	var c convstore.Conversation
	var initialAgent, title, creatorSub sql.NullString
	if err := row.Scan(&c.ID, &c.DomainID, &initialAgent, &title, &creatorSub, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return convstore.Conversation{}, convstore.ErrConversationNotFound
		}
		return convstore.Conversation{}, err
	}
	c.InitialAgentID, c.Title, c.CreatorSub = initialAgent.String, title.String, creatorSub.String
	c.Metadata = map[string]string{}
	return c, nil
}

func (s *Store) EndConversation(ctx context.Context, id string, status convstore.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return convstore.ErrConversationNotFound
	}
	return nil
}

func (s *Store) SetInitialAgent(ctx context.Context, id string, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET initial_agent_id = ?, updated_at = ? WHERE id = ? AND (initial_agent_id IS NULL OR initial_agent_id = '')`,
		agentID, time.Now(), id)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg convstore.Message) (convstore.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return convstore.Message{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return convstore.Message{}, convstore.ErrConversationNotFound
		}
		return convstore.Message{}, err
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, msg.ConversationID).Scan(&maxSeq); err != nil {
		return convstore.Message{}, err
	}
	msg.Seq = maxSeq.Int64 + 1
	if msg.ID == "" {
		msg.ID = ids.New(ids.PrefixMessage)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, agent_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.AgentID, msg.Content, msg.CreatedAt); err != nil {
		return convstore.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return convstore.Message{}, err
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]convstore.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, role, agent_id, content, created_at FROM messages
		 WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`, conversationID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []convstore.Message
	for rows.Next() {
		var m convstore.Message
		var agentID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &agentID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AgentID = agentID.String
		out = append(out, m)
	}
	return out, rows.Err()
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_runs (id, conversation_id, turn_id, tool_id, status, arguments, result, error, requested_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.TurnID, run.ToolID, run.Status, run.Arguments, run.Result, run.Error, run.RequestedBy, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return convstore.ToolRun{}, err
	}
	return run, nil
}

func (s *Store) LoadToolRun(ctx context.Context, id string) (convstore.ToolRun, error) {
	return scanToolRun(s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, turn_id, tool_id, status, arguments, result, error, requested_by, created_at, updated_at
		 FROM tool_runs WHERE id = ?`, id))
}

func scanToolRun(row *sql.Row) (convstore.ToolRun, error) {
	var r convstore.ToolRun
	var result, errMsg, reqBy sql.NullString
	if err := row.Scan(&r.ID, &r.ConversationID, &r.TurnID, &r.ToolID, &r.Status, &r.Arguments, &result, &errMsg, &reqBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return convstore.ToolRun{}, convstore.ErrToolRunNotFound
		}
		return convstore.ToolRun{}, err
	}
	r.Result, r.Error, r.RequestedBy = result.String, errMsg.String, reqBy.String
	return r, nil
}

func (s *Store) TransitionToolRun(ctx context.Context, id string, to convstore.ToolRunStatus, apply func(*convstore.ToolRun)) (convstore.ToolRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return convstore.ToolRun{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, conversation_id, turn_id, tool_id, status, arguments, result, error, requested_by, created_at, updated_at
		 FROM tool_runs WHERE id = ?`, id)
	var r convstore.ToolRun
	var result, errMsg, reqBy sql.NullString
	if err := row.Scan(&r.ID, &r.ConversationID, &r.TurnID, &r.ToolID, &r.Status, &r.Arguments, &result, &errMsg, &reqBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return convstore.ToolRun{}, convstore.ErrToolRunNotFound
		}
		return convstore.ToolRun{}, err
	}
	r.Result, r.Error, r.RequestedBy = result.String, errMsg.String, reqBy.String

	if !convstore.AllowedToolRunTransition(r.Status, to) {
		return convstore.ToolRun{}, convstore.ErrIllegalTransition
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	if apply != nil {
		apply(&r)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tool_runs SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		r.Status, r.Result, r.Error, r.UpdatedAt, r.ID); err != nil {
		return convstore.ToolRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return convstore.ToolRun{}, err
	}
	return r, nil
}

func (s *Store) ListToolRuns(ctx context.Context, conversationID string) ([]convstore.ToolRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, turn_id, tool_id, status, arguments, result, error, requested_by, created_at, updated_at
		 FROM tool_runs WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []convstore.ToolRun
	for rows.Next() {
		var r convstore.ToolRun
		var result, errMsg, reqBy sql.NullString
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.TurnID, &r.ToolID, &r.Status, &r.Arguments, &result, &errMsg, &reqBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Result, r.Error, r.RequestedBy = result.String, errMsg.String, reqBy.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendWorkflowLog(ctx context.Context, entry convstore.WorkflowLogEntry) (convstore.WorkflowLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return convstore.WorkflowLogEntry{}, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM workflow_log WHERE conversation_id = ?`, entry.ConversationID).Scan(&maxSeq); err != nil {
		return convstore.WorkflowLogEntry{}, err
	}
	entry.Seq = maxSeq.Int64 + 1
	if entry.ID == "" {
		entry.ID = ids.New("wlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_log (id, conversation_id, seq, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConversationID, entry.Seq, entry.Type, entry.Payload, entry.CreatedAt); err != nil {
		return convstore.WorkflowLogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return convstore.WorkflowLogEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListWorkflowLog(ctx context.Context, conversationID string, afterSeq int64) ([]convstore.WorkflowLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, type, payload, created_at FROM workflow_log
		 WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`, conversationID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []convstore.WorkflowLogEntry
	for rows.Next() {
		var e convstore.WorkflowLogEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Seq, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ convstore.Store = (*Store)(nil)
