package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/fusion"
	"github.com/kirillkom/evidence-core/internal/core/ports"
	"github.com/kirillkom/evidence-core/internal/core/rerank"
)

const opRetrieve = "retrieve evidence"

// QueryParser turns the raw question into a parsed query with enriched filters.
type QueryParser interface {
	Parse(raw string, filters domain.Filters) domain.ParsedQuery
}

type RetrievalConfig struct {
	VectorTimeout  time.Duration
	KeywordTimeout time.Duration
	// CandidatePool is the per-source result count requested before fusion.
	CandidatePool int
	MaxTopK       int
	Fusion        domain.FusionParams
	Profiles      map[domain.QueryType]domain.FusionParams
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		VectorTimeout:  800 * time.Millisecond,
		KeywordTimeout: 500 * time.Millisecond,
		CandidatePool:  50,
		MaxTopK:        50,
		Fusion:         fusion.DefaultParams(),
	}
}

type RetrieveUseCase struct {
	parser   QueryParser
	embedder ports.Embedder
	vectorDB ports.VectorStore
	keyword  ports.KeywordSearcher
	reranker ports.Reranker
	cfg      RetrievalConfig
	logger   *slog.Logger
	observer ports.PipelineObserver
}

func NewRetrieveUseCase(
	parser QueryParser,
	embedder ports.Embedder,
	vectorDB ports.VectorStore,
	keyword ports.KeywordSearcher,
	reranker ports.Reranker,
	cfg RetrievalConfig,
	logger *slog.Logger,
	observer ports.PipelineObserver,
) *RetrieveUseCase {
	def := DefaultRetrievalConfig()
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = def.VectorTimeout
	}
	if cfg.KeywordTimeout <= 0 {
		cfg.KeywordTimeout = def.KeywordTimeout
	}
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = def.CandidatePool
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = def.MaxTopK
	}
	if cfg.Fusion.Mode == "" {
		cfg.Fusion = def.Fusion
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = ports.NopObserver{}
	}
	return &RetrieveUseCase{
		parser:   parser,
		embedder: embedder,
		vectorDB: vectorDB,
		keyword:  keyword,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger.With("component", "retrieval_coordinator"),
		observer: observer,
	}
}

type sourceResult struct {
	source  domain.RetrievalSource
	results []domain.RetrievalResult
	status  domain.SourceStatus
	err     error
	elapsed time.Duration
}

func (uc *RetrieveUseCase) RetrieveEvidence(
	ctx context.Context,
	query string,
	filters domain.Filters,
	topK int,
	opts domain.RetrieveOptions,
) (*domain.Evidence, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, opRetrieve, errors.New("query is required"))
	}
	if topK < 1 || topK > uc.cfg.MaxTopK {
		return nil, domain.WrapError(domain.ErrInvalidInput, opRetrieve, fmt.Errorf("top_k must be in [1,%d], got %d", uc.cfg.MaxTopK, topK))
	}
	filters = filters.Normalize()
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	parsed := domain.ParsedQuery{Raw: query, Rewritten: query, Type: domain.QueryNarrative, Filters: filters}
	if uc.parser != nil {
		parsed = uc.parser.Parse(query, filters)
	}
	params, err := uc.fusionParams(parsed.Type, opts)
	if err != nil {
		return nil, err
	}

	pool := max(uc.cfg.CandidatePool, topK)
	vectorCh := make(chan sourceResult, 1)
	keywordCh := make(chan sourceResult, 1)
	pending := 1
	go func() { vectorCh <- uc.searchVector(ctx, parsed, pool) }()
	statuses := map[domain.RetrievalSource]domain.SourceStatus{
		domain.SourceKeyword: domain.SourceDisabled,
	}
	if !opts.KeywordDisabled && uc.keyword != nil {
		pending++
		go func() { keywordCh <- uc.searchKeyword(ctx, parsed, pool) }()
	}

	var semantic, lexical []domain.RetrievalResult
	var failures []error
	allTimedOut := true
	for pending > 0 {
		var res sourceResult
		select {
		case res = <-vectorCh:
		case res = <-keywordCh:
		case <-ctx.Done():
			// In-flight searches are abandoned; their buffered sends never block.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.WrapError(domain.ErrRetrievalTimeout, opRetrieve, ctx.Err())
			}
			return nil, fmt.Errorf("%s: %w", opRetrieve, ctx.Err())
		}
		pending--

		statuses[res.source] = res.status
		uc.observer.ObserveRetrievalSource(res.source, res.status, res.elapsed)
		if res.err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", res.source, res.err))
			if res.status != domain.SourceTimeout {
				allTimedOut = false
			}
			uc.logger.Warn("retrieval_source_failed",
				"source", res.source,
				"status", res.status,
				"elapsed_ms", res.elapsed.Milliseconds(),
				"error", res.err,
			)
			continue
		}
		allTimedOut = false
		if res.source == domain.SourceVector {
			semantic = res.results
		} else {
			lexical = res.results
		}
	}

	if len(semantic) == 0 && len(lexical) == 0 {
		cause := errors.Join(failures...)
		if cause == nil {
			cause = errors.New("no matching evidence")
		}
		if len(failures) > 0 && allTimedOut {
			cause = domain.WrapError(domain.ErrRetrievalTimeout, "search sources", cause)
		}
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, opRetrieve, cause)
	}

	fused, err := fusion.Fuse(semantic, lexical, params)
	if err != nil {
		return nil, err
	}
	uc.observer.ObserveFusion(params.Mode, len(fused))

	evidence := &domain.Evidence{
		Query:          parsed,
		Fusion:         params,
		RerankProvider: "none",
		Sources:        statuses,
	}
	for source, status := range statuses {
		if status != domain.SourceOK && !(source == domain.SourceKeyword && status == domain.SourceDisabled) {
			evidence.Degraded = true
		}
	}

	if opts.RerankDisabled || uc.reranker == nil {
		evidence.Results = rerank.Original(fusion.Trim(fused, topK))
		return evidence, nil
	}

	outcome := uc.reranker.Rerank(ctx, query, fused, topK)
	evidence.RerankProvider = outcome.Provider
	evidence.Reranked = outcome.Reranked
	if !outcome.Reranked {
		evidence.Degraded = true
	}
	if len(outcome.Results) == 0 {
		evidence.Results = rerank.Original(fusion.Trim(fused, topK))
		return evidence, nil
	}
	evidence.Results = outcome.Results
	return evidence, nil
}

func (uc *RetrieveUseCase) searchVector(ctx context.Context, parsed domain.ParsedQuery, pool int) sourceResult {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, uc.cfg.VectorTimeout)
	defer cancel()

	res := sourceResult{source: domain.SourceVector}
	hits, err := uc.vectorHits(ctx, parsed, pool)
	res.elapsed = time.Since(started)
	if err != nil {
		res.err = err
		res.status = statusFor(ctx, err)
		return res
	}
	res.status = domain.SourceOK
	res.results = make([]domain.RetrievalResult, 0, len(hits))
	for i, hit := range hits {
		chunk := hit.Chunk
		if chunk.ID == "" {
			chunk.ID = hit.ChunkID
		}
		if chunk.ID == "" {
			continue
		}
		res.results = append(res.results, domain.RetrievalResult{
			Chunk:  chunk,
			Score:  hit.Similarity,
			Rank:   i + 1,
			Source: domain.SourceVector,
		})
	}
	return res
}

func (uc *RetrieveUseCase) vectorHits(ctx context.Context, parsed domain.ParsedQuery, pool int) ([]ports.VectorHit, error) {
	if uc.embedder == nil || uc.vectorDB == nil {
		return nil, errors.New("vector search is not configured")
	}
	embedding, err := uc.embedder.EmbedQuery(ctx, parsed.Raw)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := uc.vectorDB.Search(ctx, embedding, pool, parsed.Filters)
	if err != nil {
		return nil, fmt.Errorf("search vector db: %w", err)
	}
	return hits, nil
}

func (uc *RetrieveUseCase) searchKeyword(ctx context.Context, parsed domain.ParsedQuery, pool int) sourceResult {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, uc.cfg.KeywordTimeout)
	defer cancel()

	res := sourceResult{source: domain.SourceKeyword}
	query := parsed.Rewritten
	if query == "" {
		query = parsed.Raw
	}
	results, err := uc.keyword.Search(ctx, query, pool, parsed.Filters)
	res.elapsed = time.Since(started)
	if err != nil {
		res.err = fmt.Errorf("keyword search: %w", err)
		res.status = statusFor(ctx, err)
		return res
	}
	res.status = domain.SourceOK
	res.results = results
	return res
}

func statusFor(ctx context.Context, err error) domain.SourceStatus {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || domain.IsKind(err, domain.ErrRetrievalTimeout) {
		return domain.SourceTimeout
	}
	return domain.SourceFailed
}

// fusionParams resolves call options over the query-type profile over the configured default.
func (uc *RetrieveUseCase) fusionParams(queryType domain.QueryType, opts domain.RetrieveOptions) (domain.FusionParams, error) {
	params := uc.cfg.Fusion
	if profile, ok := uc.cfg.Profiles[queryType]; ok {
		params = mergeFusion(params, profile)
	}
	if opts.Fusion != nil {
		params = mergeFusion(params, *opts.Fusion)
	}
	if opts.KeywordWeight != nil {
		w := *opts.KeywordWeight
		params.KeywordWeight = w
		if params.Mode == domain.FusionRRF {
			params.Alpha = 1 - w
		}
	}
	if err := params.Validate(); err != nil {
		return domain.FusionParams{}, err
	}
	return params, nil
}

func mergeFusion(base, override domain.FusionParams) domain.FusionParams {
	if override.Mode != "" {
		base.Mode = override.Mode
	}
	if override.Alpha != 0 {
		base.Alpha = override.Alpha
	}
	if override.K != 0 {
		base.K = override.K
	}
	if override.KeywordWeight != 0 {
		base.KeywordWeight = override.KeywordWeight
	}
	return base
}
