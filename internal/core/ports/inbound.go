package ports

import (
	"context"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// EvidenceRetriever is the inbound contract for multi-source evidence retrieval.
type EvidenceRetriever interface {
	RetrieveEvidence(ctx context.Context, query string, filters domain.Filters, topK int, opts domain.RetrieveOptions) (*domain.Evidence, error)
}

// AnswerVerifier checks generated text against evidence and attaches citations.
type AnswerVerifier interface {
	VerifyAndCite(ctx context.Context, answerText string, evidence []domain.Chunk, vctx domain.VerificationContext) (*domain.VerifiedAnswer, error)
}

// ResponseCache is the semantic answer cache. Lookup misses are not errors.
type ResponseCache interface {
	Lookup(ctx context.Context, question string, filters domain.Filters) (*domain.CacheHit, bool)
	Store(ctx context.Context, question string, filters domain.Filters, answer domain.CachedAnswer) (*domain.CacheEntry, error)
}

// QuestionAnswerer runs the full cache, retrieve, generate, verify pipeline.
type QuestionAnswerer interface {
	Answer(ctx context.Context, question string, filters domain.Filters, topK int, opts domain.RetrieveOptions) (*domain.Answer, error)
}

type IndexStats struct {
	Documents      int     `json:"documents"`
	Terms          int     `json:"terms"`
	AvgDocLength   float64 `json:"avg_doc_length"`
	Generation     uint64  `json:"generation"`
	BuiltAt        string  `json:"built_at,omitempty"`
	PendingChanges int64   `json:"pending_changes"`
	K1             float64 `json:"k1"`
	B              float64 `json:"b"`
}

// KeywordIndex is the lifecycle contract of the keyword engine.
type KeywordIndex interface {
	BuildIndex(ctx context.Context) error
	RebuildIndex(ctx context.Context) error
	Stats() IndexStats
	RecordCorpusChange(ctx context.Context, records int)
}
