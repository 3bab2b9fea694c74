package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/turnloop/turnloop/internal/telemetry"
)

// Gateway wraps a per-model-id set of Client adapters with a rate limiter
// and retry policy, so callers get a single llm.Client regardless of how
// many providers are configured. Each model id gets a golang.org/x/time/rate
// token bucket (the teacher's own dependency): it limits how fast streams
// start, not how many are open at once, and a request that gets no token
// within the admission window fails with ErrOverloaded. The Gateway does no
// connection pooling.
type Gateway struct {
	clients         map[string]Client
	limiters        map[string]*rate.Limiter
	admissionWindow time.Duration
	retry           RetryPolicy
	logger          telemetry.Logger
}

// NewGateway builds a Gateway. clients maps model id to its Client adapter;
// each model id's limiter admits maxInFlight stream starts per second with a
// burst of maxInFlight; it does not count streams that are still open.
func NewGateway(clients map[string]Client, maxInFlight int, admissionWindow time.Duration, retry RetryPolicy, logger telemetry.Logger) *Gateway {
	if logger == nil {
		logger = telemetry.Noop{}
	}
	limiters := make(map[string]*rate.Limiter, len(clients))
	for id := range clients {
		limiters[id] = rate.NewLimiter(rate.Limit(maxInFlight), maxInFlight)
	}
	return &Gateway{clients: clients, limiters: limiters, admissionWindow: admissionWindow, retry: retry, logger: logger}
}

// Stream admits req.ModelID through its limiter (waiting up to
// admissionWindow), then retries the underlying client's Stream call with
// exponential backoff on transient failures before handing back a Stream.
func (g *Gateway) Stream(ctx context.Context, req CompletionRequest) (Stream, error) {
	client, ok := g.clients[req.ModelID]
	if !ok {
		return nil, errors.New("llm: no client configured for model " + req.ModelID)
	}
	limiter := g.limiters[req.ModelID]

	admitCtx, cancel := context.WithTimeout(ctx, g.admissionWindow)
	defer cancel()
	if err := limiter.Wait(admitCtx); err != nil {
		g.logger.Warn(ctx, "llm admission timeout", "model_id", req.ModelID)
		return nil, ErrOverloaded
	}

	var lastErr error
	interval := g.retry.InitialInterval
	maxAttempts := g.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stream, err := client.Stream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if attempt == g.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * g.retry.Multiplier)
	}
	return nil, lastErr
}

var _ Client = (*Gateway)(nil)
