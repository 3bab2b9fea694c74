// Package approval implements the Approval Coordinator (C7): a one-shot
// rendezvous between a human decision (approve/reject) and a runner
// waiting on a specific tool_run_id, grounded on the teacher's
// runtime/agent/interrupt.Controller pause/resume signal contract. Unlike
// the teacher's in-workflow-only controller, decisions must survive the
// runner process restarting mid-wait, so pre-registration decisions are
// buffered in Redis with a TTL rather than only in an in-process channel
// (the teacher already depends on Redis for goa.design/pulse's stream
// delivery, so this reuses the same backing store for a second purpose).
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turnloop/turnloop/internal/telemetry"
)

// Decision is a human's response to a pending tool-run approval request.
type Decision struct {
	ToolRunID string
	Approved  bool
	Reason    string
	DecidedBy string
}

// Sentinel errors.
var (
	ErrDecisionTimeout = errors.New("approval: no decision received before timeout")
	ErrAlreadyDecided  = errors.New("approval: tool run already has a recorded decision")
)

// bufferTTL bounds how long an early decision (one arriving before the
// runner calls Await) is held in Redis, per spec.md's 30s pre-registration
// window.
const bufferTTL = 30 * time.Second

// Coordinator brokers approve/reject decisions for in-flight tool runs.
type Coordinator struct {
	mu      sync.Mutex
	waiters map[string]chan Decision

	redis  *redis.Client
	logger telemetry.Logger
}

// New builds a Coordinator. redisClient may be nil, in which case the
// pre-registration buffer is disabled (decisions racing Await are lost,
// acceptable for the --engine=inmem dev mode).
func New(redisClient *redis.Client, logger telemetry.Logger) *Coordinator {
	if logger == nil {
		logger = telemetry.Noop{}
	}
	return &Coordinator{waiters: map[string]chan Decision{}, redis: redisClient, logger: logger}
}

// Await blocks until a decision for toolRunID arrives, the deadline in ctx
// elapses (returning ErrDecisionTimeout), or ctx is otherwise canceled. If
// a decision was already buffered (Decide ran before Await registered),
// it is consumed immediately.
func (c *Coordinator) Await(ctx context.Context, toolRunID string) (Decision, error) {
	if c.redis != nil {
		if d, ok, err := c.popBuffered(ctx, toolRunID); err == nil && ok {
			return d, nil
		}
	}

	ch := make(chan Decision, 1)
	c.mu.Lock()
	c.waiters[toolRunID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, toolRunID)
		c.mu.Unlock()
	}()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Decision{}, ErrDecisionTimeout
		}
		return Decision{}, ctx.Err()
	}
}

// Decide delivers a human decision. If a waiter is registered for
// d.ToolRunID it is delivered in-process immediately; otherwise it is
// buffered in Redis for bufferTTL so a concurrently-arriving Await call
// still observes it.
func (c *Coordinator) Decide(ctx context.Context, d Decision) error {
	c.mu.Lock()
	ch, ok := c.waiters[d.ToolRunID]
	if ok {
		delete(c.waiters, d.ToolRunID)
	}
	c.mu.Unlock()

	if ok {
		ch <- d
		return nil
	}

	if c.redis == nil {
		c.logger.Warn(ctx, "approval decision dropped, no waiter and no buffer configured", "tool_run_id", d.ToolRunID)
		return nil
	}
	return c.pushBuffered(ctx, d)
}

func (c *Coordinator) pushBuffered(ctx context.Context, d Decision) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, bufferKey(d.ToolRunID), b, bufferTTL).Err()
}

func (c *Coordinator) popBuffered(ctx context.Context, toolRunID string) (Decision, bool, error) {
	key := bufferKey(toolRunID)
	b, err := c.redis.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := json.Unmarshal(b, &d); err != nil {
		return Decision{}, false, err
	}
	return d, true, nil
}

func bufferKey(toolRunID string) string {
	return "turnloop:approval:pending:" + toolRunID
}
