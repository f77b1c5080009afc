package fusion

import (
	"fmt"
	"math"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// EvalCase is one labelled query: ranked chunk ids from each source plus the relevant ids.
type EvalCase struct {
	Query    string   `yaml:"query" json:"query"`
	Semantic []string `yaml:"semantic" json:"semantic"`
	Keyword  []string `yaml:"keyword" json:"keyword"`
	Relevant []string `yaml:"relevant" json:"relevant"`
}

type Range struct {
	From float64
	To   float64
	Step float64
}

func (r Range) values() ([]float64, error) {
	if r.Step <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "tune range", fmt.Errorf("step must be positive"))
	}
	if r.To < r.From {
		return nil, domain.WrapError(domain.ErrInvalidInput, "tune range", fmt.Errorf("to %.4f is below from %.4f", r.To, r.From))
	}
	n := int(math.Floor((r.To-r.From)/r.Step + 1e-9))
	out := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, roundTo(r.From+float64(i)*r.Step, 9))
	}
	return out, nil
}

type Point struct {
	Value     float64 `json:"value"`
	Precision float64 `json:"precision"`
}

type TuneResult struct {
	Parameter string  `json:"parameter"`
	Best      float64 `json:"best"`
	Score     float64 `json:"score"`
	TopK      int     `json:"top_k"`
	Curve     []Point `json:"curve"`
}

// TuneAlpha sweeps alpha with k fixed at base.K. Ties keep the earliest value in the sweep.
func TuneAlpha(cases []EvalCase, base domain.FusionParams, r Range, topK int) (TuneResult, error) {
	return sweep("alpha", cases, r, topK, func(v float64) domain.FusionParams {
		p := base
		p.Mode = domain.FusionRRF
		p.Alpha = v
		return p
	})
}

// TuneK sweeps k with alpha fixed at base.Alpha.
func TuneK(cases []EvalCase, base domain.FusionParams, r Range, topK int) (TuneResult, error) {
	return sweep("k", cases, r, topK, func(v float64) domain.FusionParams {
		p := base
		p.Mode = domain.FusionRRF
		p.K = v
		return p
	})
}

func sweep(parameter string, cases []EvalCase, r Range, topK int, paramsFor func(float64) domain.FusionParams) (TuneResult, error) {
	if len(cases) == 0 {
		return TuneResult{}, domain.WrapError(domain.ErrInvalidInput, "tune", fmt.Errorf("no evaluation cases"))
	}
	if topK < 1 {
		return TuneResult{}, domain.WrapError(domain.ErrInvalidInput, "tune", fmt.Errorf("top_k must be >= 1"))
	}
	values, err := r.values()
	if err != nil {
		return TuneResult{}, err
	}

	result := TuneResult{Parameter: parameter, TopK: topK, Best: math.NaN(), Score: -1}
	for _, v := range values {
		params := paramsFor(v)
		if err := params.Validate(); err != nil {
			return TuneResult{}, err
		}
		precision := MeanPrecisionAtK(cases, params, topK)
		result.Curve = append(result.Curve, Point{Value: v, Precision: precision})
		if precision > result.Score {
			result.Best = v
			result.Score = precision
		}
	}
	return result, nil
}

func MeanPrecisionAtK(cases []EvalCase, params domain.FusionParams, topK int) float64 {
	if len(cases) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range cases {
		fused, err := Fuse(asResults(c.Semantic, domain.SourceVector), asResults(c.Keyword, domain.SourceKeyword), params)
		if err != nil {
			continue
		}
		ranked := make([]string, 0, len(fused))
		for _, f := range fused {
			ranked = append(ranked, f.Chunk.ID)
		}
		total += PrecisionAtK(ranked, c.Relevant, topK)
	}
	return total / float64(len(cases))
}

// PrecisionAtK divides by k even when fewer than k results exist.
func PrecisionAtK(ranked, relevant []string, k int) float64 {
	if k <= 0 {
		return 0
	}
	want := make(map[string]struct{}, len(relevant))
	for _, id := range relevant {
		want[id] = struct{}{}
	}
	hits := 0
	for i, id := range ranked {
		if i >= k {
			break
		}
		if _, ok := want[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

func asResults(ids []string, source domain.RetrievalSource) []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, 0, len(ids))
	for i, id := range ids {
		out = append(out, domain.RetrievalResult{
			Chunk:  domain.Chunk{ID: id},
			Score:  1.0 / float64(i+1),
			Rank:   i + 1,
			Source: source,
		})
	}
	return out
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
