package ports

import (
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// PipelineObserver receives pipeline telemetry. Implementations must be safe for concurrent use.
type PipelineObserver interface {
	ObserveRetrievalSource(source domain.RetrievalSource, status domain.SourceStatus, elapsed time.Duration)
	ObserveFusion(mode domain.FusionMode, candidates int)
	ObserveRerank(provider string, reranked bool)
	ObserveCacheLookup(tier string, hit bool)
	ObserveVerification(claims, flagged int, adjustment float64)
	ObserveIndexRebuild(documents int, elapsed time.Duration, err error)
}

type NopObserver struct{}

func (NopObserver) ObserveRetrievalSource(domain.RetrievalSource, domain.SourceStatus, time.Duration) {
}
func (NopObserver) ObserveFusion(domain.FusionMode, int)          {}
func (NopObserver) ObserveRerank(string, bool)                    {}
func (NopObserver) ObserveCacheLookup(string, bool)               {}
func (NopObserver) ObserveVerification(int, int, float64)         {}
func (NopObserver) ObserveIndexRebuild(int, time.Duration, error) {}
