package fusion

import "github.com/kirillkom/evidence-core/internal/core/domain"

// Weighted min-max normalizes each source's raw scores to [0,1] and combines them as
// weight*keyword + (1-weight)*semantic. A source that returned one distinct score maps to 1.
func Weighted(semantic, keyword []domain.RetrievalResult, keywordWeight float64) []domain.FusedResult {
	merged := merge(semantic, keyword)
	normSem := normalizer(semantic)
	normKw := normalizer(keyword)

	for i := range merged {
		score := 0.0
		if merged[i].SemanticRank != nil {
			score += (1 - keywordWeight) * normSem(merged[i].SemanticScore)
		}
		if merged[i].KeywordRank != nil {
			score += keywordWeight * normKw(merged[i].KeywordScore)
		}
		merged[i].Score = score
	}
	sortFused(merged, missingRank(semantic, keyword))
	return merged
}

func normalizer(results []domain.RetrievalResult) func(float64) float64 {
	if len(results) == 0 {
		return func(float64) float64 { return 0 }
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	span := hi - lo
	return func(v float64) float64 {
		if span <= 0 {
			return 1
		}
		n := (v - lo) / span
		if n < 0 {
			return 0
		}
		if n > 1 {
			return 1
		}
		return n
	}
}
