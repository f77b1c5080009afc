package hallucination

import (
	"fmt"
	"sort"
	"strings"
)

// PenaltyPolicy maps the flagged-claim ratio onto a confidence adjustment. Implementations
// must return 0 when nothing is flagged and never increase as the ratio grows.
type PenaltyPolicy interface {
	Adjustment(flagged, total int) float64
}

// LinearPenalty subtracts Max scaled by the flagged ratio.
type LinearPenalty struct {
	Max float64
}

func (p LinearPenalty) Adjustment(flagged, total int) float64 {
	if flagged <= 0 || total <= 0 {
		return 0
	}
	return -p.Max * ratio(flagged, total)
}

type Step struct {
	MinRatio   float64
	Adjustment float64
}

// SteppedPenalty applies the adjustment of the highest step whose MinRatio is reached.
type SteppedPenalty struct {
	Steps []Step
}

func DefaultSteps(max float64) []Step {
	return []Step{
		{MinRatio: 0, Adjustment: -0.2 * max},
		{MinRatio: 0.25, Adjustment: -0.5 * max},
		{MinRatio: 0.5, Adjustment: -max},
	}
}

func (p SteppedPenalty) Adjustment(flagged, total int) float64 {
	if flagged <= 0 || total <= 0 {
		return 0
	}
	r := ratio(flagged, total)
	steps := append([]Step(nil), p.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].MinRatio < steps[j].MinRatio })
	adj := 0.0
	for _, s := range steps {
		if r >= s.MinRatio && s.Adjustment < adj {
			adj = s.Adjustment
		}
	}
	return adj
}

func PolicyByName(name string, max float64) (PenaltyPolicy, error) {
	if max <= 0 || max > 1 {
		return nil, fmt.Errorf("penalty max %.3f outside (0,1]", max)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return LinearPenalty{Max: max}, nil
	case "stepped":
		return SteppedPenalty{Steps: DefaultSteps(max)}, nil
	default:
		return nil, fmt.Errorf("unknown penalty policy %q", name)
	}
}

func ratio(flagged, total int) float64 {
	if flagged > total {
		flagged = total
	}
	return float64(flagged) / float64(total)
}
