package domain

type ClaimKind string

const (
	ClaimCurrency   ClaimKind = "currency"
	ClaimPercentage ClaimKind = "percentage"
	ClaimDate       ClaimKind = "date"
	ClaimRatio      ClaimKind = "ratio"
)

// Claim is an atomic numeric assertion found in generated text. The verification
// fields are filled in by the detector; everything else is fixed at extraction.
type Claim struct {
	ID      string    `json:"id"`
	Kind    ClaimKind `json:"kind"`
	Value   float64   `json:"value"`
	Text    string    `json:"text"`
	Start   int       `json:"start"`
	End     int       `json:"end"`
	Context string    `json:"context"`
	// Metric is the financial field named next to the literal, e.g. "noi".
	Metric string `json:"metric,omitempty"`
	// Precision is the rounding slack implied by the literal ("$1.2 million" is +/-50,000).
	Precision float64 `json:"precision,omitempty"`

	Verified           bool    `json:"verified"`
	VerificationSource string  `json:"verification_source,omitempty"`
	Score              float64 `json:"score"`
	Tolerance          float64 `json:"tolerance"`
}

type VerificationContext struct {
	PropertyID string `json:"property_id,omitempty"`
	Period     string `json:"period,omitempty"`
}

func (c VerificationContext) HasScope() bool {
	return c.PropertyID != "" && c.Period != ""
}

// StructuredQuery is a predefined parameterized lookup; Field empty means every field of the period.
type StructuredQuery struct {
	PropertyID string `json:"property_id"`
	Period     string `json:"period"`
	Field      string `json:"field,omitempty"`
}

type StructuredFact struct {
	PropertyID string    `json:"property_id"`
	Period     string    `json:"period"`
	Field      string    `json:"field"`
	Kind       ClaimKind `json:"kind"`
	Value      float64   `json:"value"`
}

type DetectionResult struct {
	HasHallucinations    bool             `json:"has_hallucinations"`
	Claims               []Claim          `json:"claims"`
	FlaggedClaims        []Claim          `json:"flagged_claims"`
	ConfidenceAdjustment float64          `json:"confidence_adjustment"`
	Facts                []StructuredFact `json:"facts,omitempty"`
}
