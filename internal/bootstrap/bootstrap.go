package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/evidence-core/internal/config"
	"github.com/kirillkom/evidence-core/internal/core/citation"
	"github.com/kirillkom/evidence-core/internal/core/claims"
	"github.com/kirillkom/evidence-core/internal/core/hallucination"
	"github.com/kirillkom/evidence-core/internal/core/keyword"
	"github.com/kirillkom/evidence-core/internal/core/ports"
	"github.com/kirillkom/evidence-core/internal/core/queryprep"
	"github.com/kirillkom/evidence-core/internal/core/rerank"
	"github.com/kirillkom/evidence-core/internal/core/semcache"
	"github.com/kirillkom/evidence-core/internal/core/usecase"
	rediscache "github.com/kirillkom/evidence-core/internal/infrastructure/cache/redis"
	"github.com/kirillkom/evidence-core/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/evidence-core/internal/infrastructure/queue/nats"
	"github.com/kirillkom/evidence-core/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/evidence-core/internal/infrastructure/rerank/crossencoder"
	"github.com/kirillkom/evidence-core/internal/infrastructure/resilience"
	"github.com/kirillkom/evidence-core/internal/infrastructure/similarity"
	"github.com/kirillkom/evidence-core/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/evidence-core/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	HTTPMetrics *metrics.HTTPServerMetrics

	Retriever  *usecase.RetrieveUseCase
	Verifier   *usecase.VerifyUseCase
	Answers    *usecase.AnswerUseCase
	Cache      *semcache.Cache
	Index      *keyword.Engine
	CorpusSync *usecase.CorpusSyncUseCase
	Events     ports.CorpusEvents

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	observer := metrics.NewPipelineMetrics("api", httpMetrics.Registry())

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	chunks := postgres.NewChunkRepository(db)
	facts := postgres.NewFactRepository(db)

	bus, err := nats.New(cfg.NATSURL, nats.Options{
		CorpusSubject:      cfg.NATSCorpusSubject,
		AuditSubject:       cfg.NATSAuditSubject,
		QueueGroup:         cfg.NATSQueueGroup,
		ResilienceExecutor: newExecutor(cfg, logger, resilience.DependencyAudit),
		Logger:             logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message bus: %w", err)
	}

	var cacheBackend ports.CacheBackend
	var rdb *goredis.Client
	if cfg.CacheRedisAddr != "" {
		rdb, err = rediscache.Connect(ctx, cfg.CacheRedisAddr, cfg.CacheRedisPass, cfg.CacheRedisDB)
		if err != nil {
			logger.Warn("cache_backend_unavailable", "addr", cfg.CacheRedisAddr, "error", err)
		} else {
			cacheBackend = rediscache.NewStore(rdb, cfg.CacheRedisPrefix)
		}
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, newExecutor(cfg, logger, resilience.DependencyLLM))
	embedder := ollama.NewEmbedder(ollamaClient)
	generator := ollama.NewGenerator(ollamaClient)
	vectorDB := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, newExecutor(cfg, logger, resilience.DependencyVector))

	index, err := keyword.NewEngine(chunks, keyword.Config{
		K1:               cfg.KeywordK1,
		B:                cfg.KeywordB,
		RebuildThreshold: cfg.KeywordRebuildThreshold,
		ResultCacheSize:  cfg.KeywordResultCacheSize,
	}, logger, observer)
	if err != nil {
		closeAll(bus, rdb, db)
		return nil, fmt.Errorf("init keyword engine: %w", err)
	}
	if err := index.BuildIndex(ctx); err != nil {
		logger.Warn("keyword_index_build_failed", "error", err)
	}

	reranker := rerank.NewChain(rerank.Config{
		MaxCandidates:           cfg.RerankCandidateCap,
		ProviderTimeout:         cfg.RerankTimeout,
		ReturnOriginalOnFailure: cfg.RerankReturnOriginal,
	}, logger, observer, rerankProviders(cfg, logger)...)

	profiles, err := config.LoadFusionProfiles(cfg.FusionProfilesPath)
	if err != nil {
		closeAll(bus, rdb, db)
		return nil, err
	}
	fusionDefaults := cfg.Fusion()
	if err := fusionDefaults.Validate(); err != nil {
		closeAll(bus, rdb, db)
		return nil, fmt.Errorf("fusion defaults: %w", err)
	}

	retriever := usecase.NewRetrieveUseCase(
		queryprep.New(queryprep.Config{PropertyAliases: cfg.PropertyAliases()}),
		embedder,
		vectorDB,
		index,
		reranker,
		usecase.RetrievalConfig{
			VectorTimeout:  cfg.RetrievalVectorTimeout,
			KeywordTimeout: cfg.RetrievalKeywordTimeout,
			CandidatePool:  cfg.RetrievalCandidatePool,
			Fusion:         fusionDefaults,
			Profiles:       profiles,
		},
		logger,
		observer,
	)

	policy, err := hallucination.PolicyByName(cfg.VerifyPenaltyPolicy, cfg.VerifyMaxPenalty)
	if err != nil {
		closeAll(bus, rdb, db)
		return nil, fmt.Errorf("verification policy: %w", err)
	}
	claimExtractor := claims.NewExtractor(claims.Config{ContextWindow: cfg.VerifyContextWindow})
	detector := hallucination.NewDetector(claimExtractor, facts, hallucination.Config{
		Workers: cfg.VerifyWorkers,
		Policy:  policy,
	}, logger, observer)
	citations := citation.NewExtractor(claimExtractor, similarity.Levenshtein{}, citation.Config{
		FuzzyThreshold: cfg.CitationFuzzyMin,
		MaxSources:     cfg.CitationMaxSources,
		ExcerptWindow:  cfg.CitationExcerptChars,
	})
	verifier := usecase.NewVerifyUseCase(detector, citations, bus, logger)

	cache := semcache.New(embedder, cacheBackend, semcache.Config{
		Threshold:   cfg.CacheThreshold,
		Window:      cfg.CacheWindow,
		TTL:         cfg.CacheTTL,
		HashEntries: cfg.CacheLRUSize,
	}, logger, observer)

	answers := usecase.NewAnswerUseCase(retriever, generator, verifier, cache, logger)

	return &App{
		Config:      cfg,
		Logger:      logger,
		HTTPMetrics: httpMetrics,

		Retriever:  retriever,
		Verifier:   verifier,
		Answers:    answers,
		Cache:      cache,
		Index:      index,
		CorpusSync: usecase.NewCorpusSyncUseCase(index, logger),
		Events:     bus,

		closeFn: func() {
			closeAll(bus, rdb, db)
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// rerankProviders orders the remote model, the local model, then the in-process lexical scorer.
func rerankProviders(cfg config.Config, logger *slog.Logger) []ports.RerankProvider {
	var providers []ports.RerankProvider
	if cfg.RerankPrimaryURL != "" {
		providers = append(providers, crossencoder.New(crossencoder.Config{
			Name:          "remote",
			URL:           cfg.RerankPrimaryURL,
			Model:         cfg.RerankPrimaryModel,
			APIKey:        cfg.RerankPrimaryAPIKey,
			RequireAPIKey: true,
			Format:        crossencoder.FormatCohere,
			Timeout:       cfg.RerankTimeout,
		}, newExecutor(cfg, logger, resilience.DependencyRerank)))
	}
	if cfg.RerankLocalURL != "" {
		providers = append(providers, crossencoder.New(crossencoder.Config{
			Name:    "local",
			URL:     cfg.RerankLocalURL,
			Model:   cfg.RerankLocalModel,
			Format:  crossencoder.FormatTEI,
			Timeout: cfg.RerankTimeout,
		}, newExecutor(cfg, logger, resilience.DependencyRerank)))
	}
	return append(providers, rerank.LexicalScorer{})
}

// newExecutor gives every remote dependency its own breaker set.
func newExecutor(cfg config.Config, logger *slog.Logger, dep resilience.Dependency) *resilience.Executor {
	policy := resilience.ConfigFor(dep).CapAttempts(cfg.ResilienceRetryMaxAttempts)
	policy.BreakerEnabled = cfg.ResilienceBreakerEnabled
	policy.BreakerOpenTimeout = cfg.ResilienceBreakerOpenTimeout
	return resilience.NewExecutor(policy, logger)
}

func closeAll(bus *nats.Bus, rdb *goredis.Client, db *sql.DB) {
	if bus != nil {
		bus.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = db.Close()
	}
}

var _ ports.EvidenceRetriever = (*usecase.RetrieveUseCase)(nil)
var _ ports.AnswerVerifier = (*usecase.VerifyUseCase)(nil)
var _ ports.QuestionAnswerer = (*usecase.AnswerUseCase)(nil)
var _ ports.ResponseCache = (*semcache.Cache)(nil)
var _ ports.KeywordIndex = (*keyword.Engine)(nil)
