// Command turnloopd runs the turnloop server: the Session Hub's WebSocket
// endpoint, the REST surface, and the Conversation Runner workflow/activity
// worker, wired to one of a few interchangeable storage and execution
// backends selected by flag. Grounded on the teacher's cmd/*/main.go
// pattern: flag parsing, a context carrying a clue logger, SIGINT/SIGTERM-
// driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/turnloop/turnloop/internal/api"
	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/authn"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/convstore/memstore"
	"github.com/turnloop/turnloop/internal/convstore/mongostore"
	"github.com/turnloop/turnloop/internal/convstore/sqlitestore"
	"github.com/turnloop/turnloop/internal/engine"
	"github.com/turnloop/turnloop/internal/engine/inmem"
	temporalengine "github.com/turnloop/turnloop/internal/engine/temporal"
	"github.com/turnloop/turnloop/internal/hub"
	"github.com/turnloop/turnloop/internal/llm"
	"github.com/turnloop/turnloop/internal/llm/anthropic"
	"github.com/turnloop/turnloop/internal/llm/bedrock"
	"github.com/turnloop/turnloop/internal/llm/openai"
	"github.com/turnloop/turnloop/internal/metrics"
	"github.com/turnloop/turnloop/internal/router"
	"github.com/turnloop/turnloop/internal/runner"
	"github.com/turnloop/turnloop/internal/stream"
	"github.com/turnloop/turnloop/internal/telemetry"
	"github.com/turnloop/turnloop/internal/toolreg"

	"github.com/redis/go-redis/v9"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "listen address")
		configPath   = flag.String("config", "config.yaml", "path to the domain/agent/tool config document")
		storeKind    = flag.String("store", "memory", "conversation store backend: memory|sqlite|mongo")
		sqliteDSN    = flag.String("sqlite-dsn", "turnloop.db", "sqlite DSN when -store=sqlite")
		mongoURI     = flag.String("mongo-uri", "mongodb://localhost:27017", "Mongo URI when -store=mongo")
		mongoDB      = flag.String("mongo-db", "turnloop", "Mongo database name when -store=mongo")
		engineKind   = flag.String("engine", "inmem", "workflow engine backend: inmem|temporal")
		temporalAddr = flag.String("temporal-addr", "127.0.0.1:7233", "Temporal frontend address when -engine=temporal")
		taskQueue    = flag.String("task-queue", "turnloop-default", "Temporal task queue when -engine=temporal")
		redisAddr    = flag.String("redis-addr", "", "Redis address for the approval pre-registration buffer (empty disables it)")
		jwtSecret    = flag.String("jwt-secret", "", "HMAC secret for verifying bearer/WebSocket JWTs")
		llmProvider  = flag.String("llm-provider", "anthropic", "LLM backend: anthropic|openai|bedrock")
		llmAPIKey    = flag.String("llm-api-key", "", "API key for -llm-provider=anthropic|openai")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = log.Context(ctx, log.WithFormat(log.FormatJSON))
	logger := telemetry.NewClueLogger()

	if *jwtSecret == "" {
		log.Fatal(ctx, errors.New("turnloopd: -jwt-secret is required"))
	}

	cfg := config.New(logger)
	if err := cfg.Load(*configPath); err != nil {
		log.Fatal(ctx, fmt.Errorf("turnloopd: loading config: %w", err))
	}
	if err := cfg.WatchAndReload(ctx); err != nil {
		log.Error(ctx, "config hot-reload watcher disabled", "error", err.Error())
	}

	store, closeStore, err := buildStore(ctx, *storeKind, *sqliteDSN, *mongoURI, *mongoDB)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("turnloopd: building store: %w", err))
	}
	defer closeStore()

	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: *redisAddr})
	}

	// Conversation events fan out over Pulse/Redis when available so
	// multiple turnloopd replicas behind a load balancer can all serve
	// WebSocket subscribers for the same conversation; otherwise they stay
	// in-process, which is all a single-replica deployment needs.
	var publisher stream.Subscriber
	if redisClient != nil {
		publisher = stream.NewPulsePublisher(redisClient)
	} else {
		publisher = stream.NewMemoryPublisher()
	}

	llmClient, err := buildLLMClient(ctx, *llmProvider, *llmAPIKey)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("turnloopd: building LLM client: %w", err))
	}

	eng, stopEngine, err := buildEngine(ctx, *engineKind, *temporalAddr, *taskQueue, logger)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("turnloopd: building engine: %w", err))
	}
	defer stopEngine()

	tools := toolreg.New(cfg, logger)
	if err := toolreg.RegisterWebhookHandlers(tools, cfg, nil); err != nil {
		log.Fatal(ctx, fmt.Errorf("turnloopd: registering tool handlers: %w", err))
	}
	rt := router.New(cfg, llmClient)
	approvals := approval.New(redisClient, logger)
	mc := metrics.New()

	run := runner.New(runner.Deps{
		Config: cfg, Store: store, LLM: llmClient, Tools: tools,
		Router: rt, Approvals: approvals, Hub: publisher, Logger: logger,
		Metrics: mc,
	})
	run.RegisterWith(eng)

	verifier := authn.New([]byte(*jwtSecret))

	h := hub.New(hub.Deps{
		Engine: eng, Runner: run, Store: store, Config: cfg,
		Verifier: verifier, Approvals: approvals, Publisher: publisher,
		Metrics: mc, Logger: logger,
	})

	a := api.New(api.Deps{
		Store: store, Config: cfg, Verifier: verifier, Approvals: approvals,
		Metrics: mc, Logger: logger,
	})

	mux := http.NewServeMux()
	a.Mount(mux)
	mux.HandleFunc("GET /ws", h.ServeWS)

	srv := &http.Server{Addr: *addr, Handler: mux}

	var engineRunErr error
	if te, ok := eng.(*temporalengine.Engine); ok {
		go func() {
			if err := te.Run(ctx); err != nil {
				engineRunErr = err
				log.Error(ctx, "temporal worker stopped", "error", err.Error())
			}
		}()
	}

	go func() {
		log.Info(ctx, "turnloopd listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "http server stopped unexpectedly", "error", err.Error())
		}
	}()

	<-ctx.Done()
	log.Info(ctx, "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if engineRunErr != nil {
		log.Error(ctx, "engine reported an error during shutdown", "error", engineRunErr.Error())
	}
}

func buildStore(ctx context.Context, kind, sqliteDSN, mongoURI, mongoDB string) (convstore.Store, func(), error) {
	switch kind {
	case "memory":
		return memstore.New(), func() {}, nil
	case "sqlite":
		s, err := sqlitestore.Open(ctx, sqliteDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(mongoURI))
		if err != nil {
			return nil, nil, err
		}
		s, err := mongostore.New(ctx, client.Database(mongoDB))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown -store %q", kind)
	}
}

func buildEngine(ctx context.Context, kind, temporalAddr, taskQueue string, logger telemetry.Logger) (engine.Engine, func(), error) {
	switch kind {
	case "inmem":
		return inmem.New(), func() {}, nil
	case "temporal":
		c, err := client.Dial(client.Options{HostPort: temporalAddr})
		if err != nil {
			return nil, nil, err
		}
		e, err := temporalengine.New(temporalengine.Options{Client: c, DefaultTaskQueue: taskQueue, Logger: logger})
		if err != nil {
			c.Close()
			return nil, nil, err
		}
		return e, func() { c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown -engine %q", kind)
	}
}

func buildLLMClient(ctx context.Context, provider, apiKey string) (llm.Client, error) {
	switch provider {
	case "anthropic":
		if apiKey == "" {
			return nil, errors.New("-llm-api-key is required for -llm-provider=anthropic")
		}
		return anthropic.New(apiKey), nil
	case "openai":
		if apiKey == "" {
			return nil, errors.New("-llm-api-key is required for -llm-provider=openai")
		}
		return openai.New(apiKey), nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg)), nil
	default:
		return nil, fmt.Errorf("unknown -llm-provider %q", provider)
	}
}
