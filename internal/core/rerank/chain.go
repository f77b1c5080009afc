// Package rerank reorders fused candidates through an ordered list of scoring providers.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

const ProviderNone = "none"

type Config struct {
	MaxCandidates           int
	ProviderTimeout         time.Duration
	ReturnOriginalOnFailure bool
}

func DefaultConfig() Config {
	return Config{
		MaxCandidates:           50,
		ProviderTimeout:         3 * time.Second,
		ReturnOriginalOnFailure: true,
	}
}

// Chain tries providers in order and the first one that returns aligned scores wins.
type Chain struct {
	providers []ports.RerankProvider
	cfg       Config
	logger    *slog.Logger
	observer  ports.PipelineObserver
}

func NewChain(cfg Config, logger *slog.Logger, observer ports.PipelineObserver, providers ...ports.RerankProvider) *Chain {
	def := DefaultConfig()
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = ports.NopObserver{}
	}
	active := make([]ports.RerankProvider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			active = append(active, p)
		}
	}
	return &Chain{
		providers: active,
		cfg:       cfg,
		logger:    logger.With("component", "rerank_chain"),
		observer:  observer,
	}
}

func (c *Chain) Providers() []string {
	out := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p.Name())
	}
	return out
}

func (c *Chain) Rerank(ctx context.Context, query string, candidates []domain.FusedResult, topK int) domain.RerankOutcome {
	if len(candidates) == 0 {
		return domain.RerankOutcome{Provider: ProviderNone, Reranked: true}
	}

	headLen := len(candidates)
	if headLen > c.cfg.MaxCandidates {
		headLen = c.cfg.MaxCandidates
	}
	head := candidates[:headLen]
	passages := make([]string, len(head))
	for i, cand := range head {
		passages[i] = cand.Chunk.Text
	}

	attempts := make([]domain.RerankAttempt, 0, len(c.providers))
	for _, provider := range c.providers {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, domain.RerankAttempt{Provider: provider.Name(), Error: err.Error()})
			break
		}
		start := time.Now()
		scores, err := c.score(ctx, provider, query, passages)
		attempt := domain.RerankAttempt{Provider: provider.Name(), Duration: time.Since(start)}
		if err != nil {
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			c.logger.Warn("rerank_provider_failed", "provider", provider.Name(), "candidates", len(head), "error", err)
			continue
		}
		attempts = append(attempts, attempt)
		c.observer.ObserveRerank(provider.Name(), true)
		return domain.RerankOutcome{
			Results:  trim(reorder(candidates, headLen, scores), topK),
			Provider: provider.Name(),
			Reranked: true,
			Attempts: attempts,
		}
	}

	c.observer.ObserveRerank(ProviderNone, false)
	c.logger.Warn("rerank_unavailable",
		"providers", len(c.providers),
		"return_original", c.cfg.ReturnOriginalOnFailure,
		"error", domain.ErrRerankUnavailable,
	)
	outcome := domain.RerankOutcome{Provider: ProviderNone, Reranked: false, Attempts: attempts}
	if c.cfg.ReturnOriginalOnFailure {
		outcome.Results = trim(Original(candidates), topK)
	}
	return outcome
}

func (c *Chain) score(ctx context.Context, provider ports.RerankProvider, query string, passages []string) (scores []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.WrapError(domain.ErrRerankUnavailable, provider.Name(), fmt.Errorf("provider panic: %v", r))
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()

	scores, err = provider.Score(pctx, query, passages)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(passages) {
		return nil, domain.WrapError(domain.ErrRerankUnavailable, provider.Name(), fmt.Errorf("got %d scores for %d passages", len(scores), len(passages)))
	}
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, domain.WrapError(domain.ErrRerankUnavailable, provider.Name(), fmt.Errorf("score %d is not finite", i))
		}
	}
	return scores, nil
}

// reorder sorts the scored head and appends the unscored tail in fused order.
func reorder(candidates []domain.FusedResult, headLen int, scores []float64) []domain.RerankedResult {
	out := make([]domain.RerankedResult, 0, len(candidates))
	for i := 0; i < headLen; i++ {
		out = append(out, domain.RerankedResult{FusedResult: candidates[i], RerankScore: scores[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RerankScore > out[j].RerankScore
	})
	for _, cand := range candidates[headLen:] {
		out = append(out, domain.RerankedResult{FusedResult: cand})
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Original keeps the fused order, carrying the fused score as the rerank score.
func Original(candidates []domain.FusedResult) []domain.RerankedResult {
	out := make([]domain.RerankedResult, len(candidates))
	for i, cand := range candidates {
		out[i] = domain.RerankedResult{FusedResult: cand, RerankScore: cand.Score, Rank: i + 1}
	}
	return out
}

func trim(results []domain.RerankedResult, topK int) []domain.RerankedResult {
	if topK <= 0 || len(results) <= topK {
		return results
	}
	return results[:topK]
}
