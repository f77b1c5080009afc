package claims

import (
	"math"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

const (
	currencyAbsTolerance = 1.0
	currencyRelTolerance = 0.001
	percentagePoints     = 0.1
	ratioTolerance       = 0.01
)

// Tolerance is the accepted absolute difference between a claim and an expected value:
// currency +/-$1 or +/-0.1% (whichever is larger), 0.1 percentage points, 0.01 for ratios,
// exact for dates. Rounded literals widen it to their stated precision.
func Tolerance(claim domain.Claim, expected float64) float64 {
	var tol float64
	switch claim.Kind {
	case domain.ClaimCurrency:
		tol = math.Max(currencyAbsTolerance, currencyRelTolerance*math.Abs(expected))
	case domain.ClaimPercentage:
		tol = percentagePoints
	case domain.ClaimRatio:
		tol = ratioTolerance
	case domain.ClaimDate:
		tol = 0
	}
	return math.Max(tol, claim.Precision)
}

// Agrees reports whether the claim matches expected and the tolerance that was applied.
// Percentages also match fractional store values (0.925 for 92.5%).
func Agrees(claim domain.Claim, expected float64) (bool, float64) {
	tol := Tolerance(claim, expected)
	if withinTolerance(claim.Value, expected, tol) {
		return true, tol
	}
	if claim.Kind == domain.ClaimPercentage && math.Abs(expected) <= 1 && math.Abs(claim.Value) > 1 {
		if withinTolerance(claim.Value, expected*100, tol) {
			return true, tol
		}
	}
	return false, tol
}

func withinTolerance(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol+1e-9
}
