// Package app wires the process-wide dependencies shared by the binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/config"
	"github.com/OFFIS-RIT/kgraph/internal/metrics"
	"github.com/OFFIS-RIT/kgraph/internal/timing"
	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	oai "github.com/OFFIS-RIT/kgraph/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kgraph/pkg/ai/openai"
	"github.com/OFFIS-RIT/kgraph/pkg/db"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/leaselock"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	ioloader "github.com/OFFIS-RIT/kgraph/pkg/loader/io"
	s3loader "github.com/OFFIS-RIT/kgraph/pkg/loader/s3"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/logger/console"
	"github.com/OFFIS-RIT/kgraph/pkg/logger/jsonlog"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/store/memory"
	"github.com/OFFIS-RIT/kgraph/pkg/store/neo4j"
	pgxstore "github.com/OFFIS-RIT/kgraph/pkg/store/pgx"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitLogger installs the console logger, or the JSON logger with
// LOG_FORMAT=json.
func InitLogger(service string) {
	debug := util.GetEnvBool("DEBUG", false)
	if util.GetEnv("LOG_FORMAT") == "json" {
		jl, err := jsonlog.NewJSONLogger(jsonlog.JSONLoggerParams{Debug: debug, Service: service})
		if err == nil {
			logger.Init(jl)
			return
		}
		fmt.Fprintf(os.Stderr, "json logger unavailable, falling back to console: %v\n", err)
	}
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{Debug: debug, Service: service}))
}

// Stores groups the storage backends. Without DATABASE_URL everything is
// kept in memory.
type Stores struct {
	Graph   store.GraphStorage
	Status  store.StatusStorage
	Gate    store.Gate
	Timings graph.TimingStore
	Pool    *pgxpool.Pool
}

func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStores connects to DATABASE_URL and applies the migrations when
// DB_MIGRATE is not false.
func OpenStores(ctx context.Context) (*Stores, error) {
	url := util.GetEnv("DATABASE_URL")
	if url == "" {
		logger.Warn("[App] DATABASE_URL not set, using in-memory storage")
		mem := memory.New()
		return &Stores{Graph: mem, Status: mem, Gate: mem, Timings: timing.NewMemory()}, nil
	}
	if util.GetEnvBool("DB_MIGRATE", true) {
		if err := db.Migrate(url); err != nil {
			return nil, err
		}
	}
	pool, err := db.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	st := pgxstore.New(pool)
	gate := leaselock.NewGate(leaselock.New(pool), util.GetEnvDuration("GATE_LEASE_TTL", time.Minute))
	return &Stores{Graph: st, Status: st, Gate: gate, Timings: timing.New(pool), Pool: pool}, nil
}

// NewAIClient builds the adapter named by AI_ADAPTER behind a rate limiter
// and circuit breaker. observe may be nil.
func NewAIClient(observe func(call string, err error)) (ai.GraphAIClient, error) {
	var next ai.GraphAIClient
	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
			DescriptionModel: util.GetEnv("AI_CHAT_DESCRIBE_MODEL"),
			ExtractionModel:  util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingDim:     int(util.GetEnvNumeric("AI_EMBED_DIM", 0)),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			Timeout:               util.GetEnvDuration("AI_TIMEOUT", 10*time.Minute),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
		if err != nil {
			return nil, fmt.Errorf("could not create Ollama client: %w", err)
		}
		next = client
	default:
		next = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
			DescriptionModel: util.GetEnv("AI_CHAT_DESCRIBE_MODEL"),
			ExtractionModel:  util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingDim:     int(util.GetEnvNumeric("AI_EMBED_DIM", 0)),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			Timeout:                 util.GetEnvDuration("AI_TIMEOUT", 10*time.Minute),
			MaxConcurrentEmbeddings: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
	}

	opts := ai.DefaultGuardOptions()
	opts.RequestsPerSecond = util.GetEnvNumeric("AI_RPS", 0)
	opts.Burst = int(util.GetEnvNumeric("AI_BURST", 1))
	opts.Observe = observe
	return ai.NewGuardedClient(next, opts), nil
}

// NewTextSource reads document text from S3 when AWS_BUCKET is set, else
// from DOCUMENTS_DIR.
func NewTextSource(ctx context.Context) (loader.TextSource, error) {
	if util.GetEnv("AWS_BUCKET") != "" {
		return s3loader.NewS3TextSourceFromEnv(ctx)
	}
	return ioloader.NewIOTextSource(util.GetEnvString("DOCUMENTS_DIR", "./documents")), nil
}

// Pipeline is everything a worker needs to execute workflows.
type Pipeline struct {
	Settings   config.Settings
	Policies   workflow.Policies
	Stores     *Stores
	Metrics    *metrics.Collector
	AI         ai.GraphAIClient
	Activities *workflow.Activities
	Text       loader.TextSource
	syncer     *neo4j.Syncer
}

// NewPipeline builds the graph client and the activities over the stores.
func NewPipeline(ctx context.Context, stores *Stores, collector *metrics.Collector) (*Pipeline, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	policies, err := settings.Policies()
	if err != nil {
		return nil, err
	}
	var observe func(string, error)
	if collector != nil {
		observe = collector.LLMCall
	}
	aiClient, err := NewAIClient(observe)
	if err != nil {
		return nil, err
	}
	text, err := NewTextSource(ctx)
	if err != nil {
		return nil, err
	}
	gc, err := graph.NewGraphClient(graph.NewGraphClientParams{
		AIClient:     aiClient,
		Storage:      stores.Graph,
		Status:       stores.Status,
		Gate:         stores.Gate,
		Text:         text,
		Timings:      stores.Timings,
		TokenEncoder: util.GetEnvString("TOKEN_ENCODING", graph.DefaultEncoding),
	})
	if err != nil {
		return nil, err
	}
	if collector != nil {
		gc.Status.OnTransition = collector.Transition
	}

	p := &Pipeline{
		Settings: settings,
		Policies: policies,
		Stores:   stores,
		Metrics:  collector,
		AI:       aiClient,
		Text:     text,
		Activities: &workflow.Activities{
			Graph:   gc,
			Storage: stores.Graph,
			Status:  stores.Status,
			Timings: stores.Timings,
		},
	}
	syncer, err := neo4j.NewSyncerFromEnv(ctx, stores.Graph)
	if err != nil {
		logger.Warn("[App] Neo4j unavailable, graph sync disabled", "err", err)
	} else if syncer != nil {
		p.syncer = syncer
		p.Activities.Sync = syncer
	}
	return p, nil
}

// LocalRuntime runs the pipeline in-process.
func (p *Pipeline) LocalRuntime() *workflow.LocalRuntime {
	var observer workflow.Observer
	if p.Metrics != nil {
		observer = p.Metrics
	}
	return workflow.NewLocalRuntime(p.Activities, workflow.LocalOptions{
		MaxConcurrency: p.Settings.Runtime.MaxConcurrency,
		Policies:       p.Policies,
		Observer:       observer,
	})
}

func (p *Pipeline) Close(ctx context.Context) {
	if p.syncer != nil {
		if err := p.syncer.Close(ctx); err != nil {
			logger.Warn("[App] Failed to close Neo4j driver", "err", err)
		}
	}
}
