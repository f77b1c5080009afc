package domain

import "time"

type CachedAnswer struct {
	Text                 string     `json:"text"`
	Confidence           float64    `json:"confidence"`
	ConfidenceAdjustment float64    `json:"confidence_adjustment"`
	Citations            []Citation `json:"citations,omitempty"`
	Footnotes            []string   `json:"footnotes,omitempty"`
}

// CacheEntry is never updated in place; a newer entry for the same question supersedes it.
type CacheEntry struct {
	ID        string       `json:"id"`
	Question  string       `json:"question"`
	Namespace string       `json:"namespace"`
	Hash      string       `json:"hash"`
	Embedding []float32    `json:"embedding"`
	Answer    CachedAnswer `json:"answer"`
	CreatedAt time.Time    `json:"created_at"`
}

type CacheTier string

const (
	CacheTierHash     CacheTier = "hash"
	CacheTierSemantic CacheTier = "semantic"
)

type CacheHit struct {
	Entry      CacheEntry `json:"entry"`
	Similarity float64    `json:"similarity"`
	Exact      bool       `json:"exact"`
	Tier       CacheTier  `json:"tier"`
}

type VerifiedAnswer struct {
	Text                 string          `json:"verified_answer"`
	Original             string          `json:"original"`
	Confidence           float64         `json:"confidence"`
	ConfidenceAdjustment float64         `json:"confidence_adjustment"`
	Detection            DetectionResult `json:"detection"`
	Citations            []Citation      `json:"citations"`
	Footnotes            []string        `json:"footnotes,omitempty"`
}

type Answer struct {
	Question             string     `json:"question"`
	Text                 string     `json:"text"`
	Confidence           float64    `json:"confidence"`
	ConfidenceAdjustment float64    `json:"confidence_adjustment"`
	Citations            []Citation `json:"citations"`
	Footnotes            []string   `json:"footnotes,omitempty"`
	FlaggedClaims        []Claim    `json:"flagged_claims,omitempty"`
	Evidence             *Evidence  `json:"evidence,omitempty"`
	Cache                *CacheHit  `json:"cache,omitempty"`
}
