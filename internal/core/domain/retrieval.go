package domain

import (
	"fmt"
	"time"
)

type RetrievalSource string

const (
	SourceVector  RetrievalSource = "vector"
	SourceKeyword RetrievalSource = "keyword"
)

// RetrievalResult is one ranked hit from a single source. Rank is 1-indexed.
type RetrievalResult struct {
	Chunk  Chunk           `json:"chunk"`
	Score  float64         `json:"score"`
	Rank   int             `json:"rank"`
	Source RetrievalSource `json:"source"`
}

type FusedResult struct {
	Chunk         Chunk   `json:"chunk"`
	Score         float64 `json:"score"`
	SemanticRank  *int    `json:"semantic_rank,omitempty"`
	KeywordRank   *int    `json:"keyword_rank,omitempty"`
	SemanticScore float64 `json:"semantic_score"`
	KeywordScore  float64 `json:"keyword_score"`
}

// RankSum treats a missing rank as missingRank so single-source hits sort after dual-source ties.
func (r FusedResult) RankSum(missingRank int) int {
	sum := 0
	if r.SemanticRank != nil {
		sum += *r.SemanticRank
	} else {
		sum += missingRank
	}
	if r.KeywordRank != nil {
		sum += *r.KeywordRank
	} else {
		sum += missingRank
	}
	return sum
}

type RerankedResult struct {
	FusedResult
	RerankScore float64 `json:"rerank_score"`
	Rank        int     `json:"rank"`
}

type FusionMode string

const (
	FusionRRF      FusionMode = "rrf"
	FusionWeighted FusionMode = "weighted"
)

type FusionParams struct {
	Mode          FusionMode `json:"mode" yaml:"mode"`
	Alpha         float64    `json:"alpha" yaml:"alpha"`
	K             float64    `json:"k" yaml:"k"`
	KeywordWeight float64    `json:"keyword_weight" yaml:"keyword_weight"`
}

// Validate accepts alpha at either end of [0,1]. At those endpoints RRF degenerates to a
// single-source ranking: a chunk found by both sources scores the same as its
// contribution from the weighted source alone, so the dual-source bonus only holds for
// 0 < alpha < 1.
func (p FusionParams) Validate() error {
	switch p.Mode {
	case FusionRRF:
		if p.Alpha < 0 || p.Alpha > 1 {
			return WrapError(ErrInvalidInput, "validate fusion", fmt.Errorf("alpha %.3f outside [0,1]", p.Alpha))
		}
		if p.K < 0 {
			return WrapError(ErrInvalidInput, "validate fusion", fmt.Errorf("k %.3f must be non-negative", p.K))
		}
	case FusionWeighted:
		if p.KeywordWeight < 0 || p.KeywordWeight > 1 {
			return WrapError(ErrInvalidInput, "validate fusion", fmt.Errorf("keyword_weight %.3f outside [0,1]", p.KeywordWeight))
		}
	default:
		return WrapError(ErrInvalidInput, "validate fusion", fmt.Errorf("unknown fusion mode %q", p.Mode))
	}
	return nil
}

// RetrieveOptions overrides per call. Zero values keep the configured defaults.
type RetrieveOptions struct {
	Fusion          *FusionParams `json:"fusion,omitempty"`
	RerankDisabled  bool          `json:"rerank_disabled,omitempty"`
	KeywordDisabled bool          `json:"keyword_disabled,omitempty"`
	KeywordWeight   *float64      `json:"keyword_weight,omitempty"`
}

type RerankAttempt struct {
	Provider string        `json:"provider"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// RerankOutcome names the provider that served the request. Reranked is false when
// every provider failed and the fused order was kept.
type RerankOutcome struct {
	Results  []RerankedResult `json:"results"`
	Provider string           `json:"provider"`
	Reranked bool             `json:"reranked"`
	Attempts []RerankAttempt  `json:"attempts,omitempty"`
}

type SourceStatus string

const (
	SourceOK       SourceStatus = "ok"
	SourceFailed   SourceStatus = "failed"
	SourceTimeout  SourceStatus = "timeout"
	SourceDisabled SourceStatus = "disabled"
)

type Evidence struct {
	Query          ParsedQuery                      `json:"query"`
	Results        []RerankedResult                 `json:"results"`
	Fusion         FusionParams                     `json:"fusion"`
	RerankProvider string                           `json:"rerank_provider"`
	Reranked       bool                             `json:"reranked"`
	Sources        map[RetrievalSource]SourceStatus `json:"sources"`
	Degraded       bool                             `json:"degraded"`
}

func (e *Evidence) Chunks() []Chunk {
	if e == nil {
		return nil
	}
	out := make([]Chunk, 0, len(e.Results))
	for _, r := range e.Results {
		out = append(out, r.Chunk)
	}
	return out
}

type QueryType string

const (
	QueryNumeric    QueryType = "numeric"
	QueryComparison QueryType = "comparison"
	QueryNarrative  QueryType = "narrative"
)

type ParsedQuery struct {
	Raw        string    `json:"raw"`
	Rewritten  string    `json:"rewritten"`
	Periods    []string  `json:"periods,omitempty"`
	Properties []string  `json:"properties,omitempty"`
	Metrics    []string  `json:"metrics,omitempty"`
	Type       QueryType `json:"type"`
	Filters    Filters   `json:"filters"`
}
