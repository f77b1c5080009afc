// Package fusion merges ranked lists from the vector and keyword sources.
package fusion

import (
	"fmt"
	"sort"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

const (
	DefaultAlpha         = 0.7
	DefaultK             = 60.0
	DefaultKeywordWeight = 0.3
)

func DefaultParams() domain.FusionParams {
	return domain.FusionParams{
		Mode:          domain.FusionRRF,
		Alpha:         DefaultAlpha,
		K:             DefaultK,
		KeywordWeight: DefaultKeywordWeight,
	}
}

// Fuse dispatches on params.Mode. A single call never mixes strategies.
func Fuse(semantic, keyword []domain.RetrievalResult, params domain.FusionParams) ([]domain.FusedResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	switch params.Mode {
	case domain.FusionRRF:
		return RRF(semantic, keyword, params.Alpha, params.K), nil
	case domain.FusionWeighted:
		return Weighted(semantic, keyword, params.KeywordWeight), nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "fuse", fmt.Errorf("unsupported mode %q", params.Mode))
	}
}

// RRFScore is alpha/(k+rs) + (1-alpha)/(k+rk); a nil rank contributes nothing.
func RRFScore(alpha, k float64, semanticRank, keywordRank *int) float64 {
	score := 0.0
	if semanticRank != nil {
		score += alpha / (k + float64(*semanticRank))
	}
	if keywordRank != nil {
		score += (1 - alpha) / (k + float64(*keywordRank))
	}
	return score
}

func RRF(semantic, keyword []domain.RetrievalResult, alpha, k float64) []domain.FusedResult {
	merged := merge(semantic, keyword)
	for i := range merged {
		merged[i].Score = RRFScore(alpha, k, merged[i].SemanticRank, merged[i].KeywordRank)
	}
	sortFused(merged, missingRank(semantic, keyword))
	return merged
}

// merge deduplicates by chunk id. Ranks are renumbered by list position when a source
// reports none, and the first (best) occurrence wins for duplicates within one list.
func merge(semantic, keyword []domain.RetrievalResult) []domain.FusedResult {
	index := make(map[string]int, len(semantic)+len(keyword))
	out := make([]domain.FusedResult, 0, len(semantic)+len(keyword))

	add := func(results []domain.RetrievalResult, source domain.RetrievalSource) {
		for pos, r := range results {
			rank := r.Rank
			if rank <= 0 {
				rank = pos + 1
			}
			i, ok := index[r.Chunk.ID]
			if !ok {
				i = len(out)
				index[r.Chunk.ID] = i
				out = append(out, domain.FusedResult{Chunk: r.Chunk})
			}
			fr := &out[i]
			switch source {
			case domain.SourceVector:
				if fr.SemanticRank != nil {
					continue
				}
				fr.SemanticRank = intPtr(rank)
				fr.SemanticScore = r.Score
			case domain.SourceKeyword:
				if fr.KeywordRank != nil {
					continue
				}
				fr.KeywordRank = intPtr(rank)
				fr.KeywordScore = r.Score
			}
			fr.Chunk = preferRicherChunk(fr.Chunk, r.Chunk)
		}
	}

	add(semantic, domain.SourceVector)
	add(keyword, domain.SourceKeyword)
	return out
}

func sortFused(results []domain.FusedResult, missing int) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		si, sj := results[i].RankSum(missing), results[j].RankSum(missing)
		if si != sj {
			return si < sj
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

// missingRank is one past the longest list, so absence ranks below every observed position.
func missingRank(semantic, keyword []domain.RetrievalResult) int {
	n := len(semantic)
	if len(keyword) > n {
		n = len(keyword)
	}
	return n + 1
}

func preferRicherChunk(current, candidate domain.Chunk) domain.Chunk {
	if current.Text == "" && candidate.Text != "" {
		current.Text = candidate.Text
	}
	if current.DocumentID == "" && candidate.DocumentID != "" {
		current.DocumentID = candidate.DocumentID
	}
	if current.PropertyID == "" && candidate.PropertyID != "" {
		current.PropertyID = candidate.PropertyID
	}
	if current.Period == "" && candidate.Period != "" {
		current.Period = candidate.Period
	}
	if current.DocumentType == "" && candidate.DocumentType != "" {
		current.DocumentType = candidate.DocumentType
	}
	if current.Position == nil && candidate.Position != nil {
		current.Position = candidate.Position
	}
	return current
}

func Trim(results []domain.FusedResult, limit int) []domain.FusedResult {
	if limit <= 0 || len(results) <= limit {
		return results
	}
	return results[:limit]
}

func intPtr(v int) *int { return &v }
