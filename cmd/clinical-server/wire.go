package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/audit"
	"github.com/bull/clinical-rag-agent/internal/chunker"
	"github.com/bull/clinical-rag-agent/internal/config"
	"github.com/bull/clinical-rag-agent/internal/docstore"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/embedding"
	"github.com/bull/clinical-rag-agent/internal/events"
	"github.com/bull/clinical-rag-agent/internal/guidelines"
	"github.com/bull/clinical-rag-agent/internal/httpapi"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/ingest"
	"github.com/bull/clinical-rag-agent/internal/llm"
	"github.com/bull/clinical-rag-agent/internal/logger"
	mcpserver "github.com/bull/clinical-rag-agent/internal/mcp"
	"github.com/bull/clinical-rag-agent/internal/metrics"
	"github.com/bull/clinical-rag-agent/internal/query"
	"github.com/bull/clinical-rag-agent/internal/storage"
	"github.com/bull/clinical-rag-agent/internal/tools"
	"github.com/bull/clinical-rag-agent/internal/tools/interactions"
	"github.com/bull/clinical-rag-agent/internal/tools/patienthistory"
	"github.com/bull/clinical-rag-agent/internal/tools/research"
)

const watchDebounce = 500 * time.Millisecond

// application holds the wired components and everything that must be closed.
type application struct {
	pipeline   *ingest.Pipeline
	watcher    *docstore.Watcher
	guidelines *guidelines.Syncer
	fetcher    *research.Fetcher
	mcp        *mcpserver.Server
	router     http.Handler

	closers []func() error
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing component", "error", err)
		}
	}
}

// build wires the server. Optional backends (Qdrant, Redis, Kafka, Postgres)
// are connected only when enabled; an enabled backend that cannot be reached
// at startup is an error.
func build(ctx context.Context, cfg *config.Config) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	log := logger.WithComponent("server")
	m := metrics.New()
	checker := httpapi.NewChecker()

	// Document store. The index lives in memory, so its catalog does too:
	// every start re-detects the whole corpus as added.
	sources := []docstore.Source{
		{Kind: domain.KindPatient, Dir: cfg.Corpus.PatientDir},
		{Kind: domain.KindResearch, Dir: cfg.Corpus.ResearchDir},
	}
	for _, src := range sources {
		if err := os.MkdirAll(src.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", src.Kind, err)
		}
	}
	store := docstore.New(sources, cfg.Corpus.Extensions, docstore.NewMemoryCatalog(), logger.WithComponent("docstore"))

	// Embeddings and chat share one OpenAI client unless the LLM has its own base URL.
	embClient, err := embedding.NewClient(embedding.ClientOptions{BaseURL: cfg.Embedding.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	chatClient := embClient
	if cfg.LLM.BaseURL != "" && cfg.LLM.BaseURL != cfg.Embedding.BaseURL {
		if chatClient, err = embedding.NewClient(embedding.ClientOptions{BaseURL: cfg.LLM.BaseURL}); err != nil {
			return nil, fmt.Errorf("creating chat client: %w", err)
		}
	}
	embedder := embedding.NewEmbedder(embClient, embedding.Config{
		Model:     cfg.Embedding.Model,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
	}, m, logger.WithComponent("embedding"))

	indexOpts := []index.Option{
		index.WithCache(embedding.NewCache(cfg.Embedding.CacheSize)),
		index.WithMetrics(m),
		index.WithLogger(logger.WithComponent("index")),
	}
	if cfg.Qdrant.Enabled {
		mirror, err := storage.NewQdrantMirror(ctx, storage.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.Qdrant.Dimension,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		app.closers = append(app.closers, mirror.Close)
		if err := mirror.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("ensuring qdrant collection: %w", err)
		}
		indexOpts = append(indexOpts, index.WithMirror(mirror))
		checker.Register("qdrant", httpapi.PingCheck(mirror.Health, true))
		log.Info("qdrant mirror enabled", "host", cfg.Qdrant.Host, "collection", cfg.Qdrant.Collection)
	}
	idx := index.New(index.Config{
		LexicalWeight: cfg.Index.LexicalWeight,
		VectorWeight:  cfg.Index.VectorWeight,
		CandidatePool: cfg.Index.CandidatePool,
		RRFK:          cfg.Index.RRFK,
		RRFWeight:     cfg.Index.RRFWeight,
	}, embedder, indexOpts...)

	pipelineOpts := []ingest.Option{ingest.WithMetrics(m), ingest.WithWorkers(cfg.Index.Workers)}
	if cfg.Kafka.Enabled {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.WithComponent("events"))
		app.closers = append(app.closers, pub.Close)
		pipelineOpts = append(pipelineOpts, ingest.WithPublisher(pub))
		log.Info("index events enabled", "topic", cfg.Kafka.Topic)
	}
	chunks := chunker.New(chunker.Config{Size: cfg.Chunker.Size, Overlap: cfg.Chunker.Overlap})
	app.pipeline = ingest.NewPipeline(store, chunks, idx, logger.WithComponent("ingest"), pipelineOpts...)
	checker.Register("index", httpapi.ReadyCheck(app.pipeline.Ready, "initial sync pending"))

	if cfg.Corpus.Watch {
		app.watcher = docstore.NewWatcher(sources, watchDebounce, app.pipeline.Trigger, logger.WithComponent("docstore"))
	}

	// Query service.
	chat := llm.NewClient(chatClient.Client(), llm.Config{
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	}, logger.WithComponent("llm"))
	queryOpts := []query.Option{query.WithMetrics(m), query.WithLogger(logger.WithComponent("query"))}
	if cfg.Redis.Enabled {
		cache, err := query.NewRedisCache(ctx, query.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      cfg.Redis.CacheTTL,
		}, logger.WithComponent("cache"))
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		app.closers = append(app.closers, cache.Close)
		queryOpts = append(queryOpts, query.WithCache(cache))
		checker.Register("redis", httpapi.PingCheck(cache.Ping, true))
		log.Info("answer cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}
	qsvc := query.NewService(idx, chat, query.Config{
		TopK:               cfg.Query.TopK,
		ContextBudgetChars: cfg.Query.ContextBudgetChars,
		GenerationTimeout:  cfg.Query.GenerationTimeout,
	}, queryOpts...)

	// Tools. Each adapter gets its own guard so research can wait on the index.
	guardCfg := tools.GuardConfig{
		Timeout:    cfg.Tools.Timeout,
		Retries:    cfg.Tools.Retries,
		RetryDelay: cfg.Tools.RetryDelay,
	}
	patients := patienthistory.NewFileStore(cfg.Corpus.PatientDir)
	toolset := agent.Toolset{
		History: patienthistory.NewTool(patients, tools.NewGuard(guardCfg, m, logger.WithComponent("tools"))),
	}

	rcfg := cfg.Tools.Research
	if rcfg.FetchOnMiss {
		client := research.NewClient(research.ClientConfig{
			BaseURL:        rcfg.BaseURL,
			APIKey:         rcfg.APIKey,
			Limit:          rcfg.Limit,
			RequestsPerSec: rcfg.RequestsPerSec,
		})
		app.fetcher = research.NewFetcher(client, idx, app.pipeline.Trigger, research.FetcherConfig{
			ResearchDir: cfg.Corpus.ResearchDir,
			IndexWait:   rcfg.IndexWaitTimeout,
		}, m, logger.WithComponent("research"))
	}
	researchGuard := guardCfg
	researchGuard.Timeout += rcfg.IndexWaitTimeout
	toolset.Research = research.NewTool(qsvc, app.fetcher, tools.NewGuard(researchGuard, m, logger.WithComponent("tools")), research.ToolConfig{
		TopK:       cfg.Query.TopK,
		MinResults: rcfg.MinResults,
	})

	drugs, err := interactionChecker(cfg.Tools.Interactions)
	if err != nil {
		return nil, err
	}
	if drugs != nil {
		toolset.Interactions = interactions.NewTool(drugs, tools.NewGuard(guardCfg, m, logger.WithComponent("tools")))
	} else {
		log.Warn("no drug-interaction source configured; interaction checks will be reported as unavailable")
	}

	// Agent.
	agentOpts := []agent.Option{agent.WithMetrics(m), agent.WithLogger(logger.WithComponent("agent"))}
	if cfg.Postgres.Enabled {
		auditStore, err := audit.Open(ctx, cfg.Postgres, logger.WithComponent("audit"))
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
		app.closers = append(app.closers, auditStore.Close)
		agentOpts = append(agentOpts, agent.WithRecorder(auditStore))
		checker.Register("postgres", httpapi.PingCheck(auditStore.Ping, true))
		log.Info("agent session audit enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}
	controller := agent.NewController(agent.NewLLMReasoner(chat), toolset, agent.Config{
		MaxSteps:         cfg.Agent.MaxSteps,
		ReasoningTimeout: cfg.Agent.ReasoningTimeout,
	}, agentOpts...)

	// Guideline mirror.
	if cfg.Guidelines.Enabled() {
		gh, err := guidelines.NewClient(os.Getenv("GITHUB_TOKEN"))
		if err != nil {
			return nil, fmt.Errorf("creating github client: %w", err)
		}
		app.guidelines, err = guidelines.NewSyncer(gh, guidelines.Config{
			Owner:   cfg.Guidelines.Owner,
			Repo:    cfg.Guidelines.Repo,
			Path:    cfg.Guidelines.Path,
			Branch:  cfg.Guidelines.Branch,
			DestDir: filepath.Join(cfg.Corpus.ResearchDir, cfg.Guidelines.Subdir),
		}, app.pipeline.Trigger, logger.WithComponent("guidelines"))
		if err != nil {
			return nil, err
		}
	}

	// Boundaries.
	app.mcp = mcpserver.NewServer(mcpserver.Config{
		Answerer:  qsvc,
		Agent:     controller,
		Retriever: qsvc,
		Index:     idx,
		Sync:      app.pipeline,
		Logger:    logger.WithComponent("mcp"),
	})
	handler := httpapi.NewHandler(httpapi.Deps{
		Answerer: qsvc,
		Agent:    controller,
		Patients: patients,
		Index:    idx,
		Sync:     app.pipeline,
	}, logger.WithComponent("httpapi"))
	app.router = httpapi.NewRouter(handler, checker, httpapi.RouterConfig{
		Metrics:        m,
		Logger:         logger.WithComponent("http"),
		RequestTimeout: cfg.Server.RequestTimeout,
		MCP:            mcpserver.NewHTTPHandler(app.mcp, cfg.Server.MCPStateless),
		Landing:        mcpserver.NewLandingHandler("Clinical Decision Support", idx, logger.WithComponent("http")),
	})
	return app, nil
}

// interactionChecker prefers a local table over the HTTP service. Neither
// configured returns nil.
func interactionChecker(cfg config.InteractionsConfig) (interactions.Checker, error) {
	switch {
	case cfg.TablePath != "":
		table, err := interactions.LoadTable(cfg.TablePath)
		if err != nil {
			return nil, fmt.Errorf("loading interaction table: %w", err)
		}
		return table, nil
	case cfg.BaseURL != "":
		return interactions.NewHTTPChecker(interactions.HTTPConfig{
			BaseURL:        cfg.BaseURL,
			RequestsPerSec: cfg.RequestsPerSec,
		}), nil
	default:
		return nil, nil
	}
}
