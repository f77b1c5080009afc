package ports

import (
	"context"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// Embedder builds vectors for query and question text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorHit struct {
	ChunkID    string
	Similarity float64
	Chunk      domain.Chunk
}

// VectorStore performs semantic search over indexed chunks.
type VectorStore interface {
	Search(ctx context.Context, embedding []float32, topK int, filters domain.Filters) ([]VectorHit, error)
}

// KeywordSearcher is the lexical retrieval source.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, topK int, filters domain.Filters) ([]domain.RetrievalResult, error)
}

// ChunkSource exposes the visible chunk corpus to the keyword index.
type ChunkSource interface {
	ListChunks(ctx context.Context) ([]domain.Chunk, error)
	CountChunks(ctx context.Context) (int, error)
}

// StructuredDataStore runs predefined parameterized lookups over financial facts.
type StructuredDataStore interface {
	LookupFacts(ctx context.Context, query domain.StructuredQuery) ([]domain.StructuredFact, error)
}

// AnswerGenerator creates the user-facing answer from ranked evidence.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, evidence []domain.RerankedResult) (string, error)
}

// RerankProvider jointly scores the query against each passage. Scores align with passages.
type RerankProvider interface {
	Name() string
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Reranker reorders fused candidates and never fails the caller.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []domain.FusedResult, topK int) domain.RerankOutcome
}

// CacheBackend is the shared hash tier behind the in-process semantic cache.
type CacheBackend interface {
	Get(ctx context.Context, hash string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error
}

// StringSimilarity returns a score in [0,1].
type StringSimilarity interface {
	Similarity(a, b string) float64
}

type VerificationAudit struct {
	EventID              string                     `json:"event_id"`
	Context              domain.VerificationContext `json:"context"`
	Claims               []domain.Claim             `json:"claims"`
	FlaggedClaims        int                        `json:"flagged_claims"`
	ConfidenceAdjustment float64                    `json:"confidence_adjustment"`
	OccurredAt           time.Time                  `json:"occurred_at"`
}

// AuditPublisher records verification outcomes outside the request path.
type AuditPublisher interface {
	PublishVerification(ctx context.Context, audit VerificationAudit) error
}

// CorpusEvents delivers corpus change notifications from the ingestion side.
type CorpusEvents interface {
	SubscribeCorpusChanges(ctx context.Context, handler func(context.Context, domain.CorpusChange) error) error
}
