package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

type embedderFake struct {
	err error
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type vectorFake struct {
	mu      sync.Mutex
	ids     []string
	err     error
	delay   time.Duration
	topK    int
	filters domain.Filters
}

func (f *vectorFake) Search(ctx context.Context, _ []float32, topK int, filters domain.Filters) ([]ports.VectorHit, error) {
	f.mu.Lock()
	f.topK = topK
	f.filters = filters
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	hits := make([]ports.VectorHit, 0, len(f.ids))
	for i, id := range f.ids {
		hits = append(hits, ports.VectorHit{
			ChunkID:    id,
			Similarity: 1 - float64(i)*0.1,
			Chunk:      domain.Chunk{DocumentID: "doc-" + id, Text: "text " + id},
		})
	}
	return hits, nil
}

type keywordFake struct {
	ids   []string
	err   error
	delay time.Duration
	query string
}

func (f *keywordFake) Search(ctx context.Context, query string, _ int, _ domain.Filters) ([]domain.RetrievalResult, error) {
	f.query = query
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.RetrievalResult, 0, len(f.ids))
	for i, id := range f.ids {
		out = append(out, domain.RetrievalResult{
			Chunk:  domain.Chunk{ID: id, DocumentID: "doc-" + id, Text: "text " + id},
			Score:  float64(10 - i),
			Rank:   i + 1,
			Source: domain.SourceKeyword,
		})
	}
	return out, nil
}

// reverseReranker reverses the fused order so tests can tell reranked output apart.
type reverseReranker struct {
	fail  bool
	calls int
}

func (r *reverseReranker) Rerank(_ context.Context, _ string, candidates []domain.FusedResult, topK int) domain.RerankOutcome {
	r.calls++
	if r.fail {
		return domain.RerankOutcome{Provider: "none"}
	}
	out := make([]domain.RerankedResult, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		out = append(out, domain.RerankedResult{FusedResult: candidates[i], RerankScore: float64(i), Rank: len(out) + 1})
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return domain.RerankOutcome{Results: out, Provider: "reverse", Reranked: true}
}

type parserFake struct {
	queryType domain.QueryType
	filters   domain.Filters
}

func (p parserFake) Parse(raw string, filters domain.Filters) domain.ParsedQuery {
	if !p.filters.IsZero() {
		filters = p.filters
	}
	return domain.ParsedQuery{Raw: raw, Rewritten: raw + " rewritten", Type: p.queryType, Filters: filters}
}

func newRetrieve(vector *vectorFake, keyword *keywordFake, reranker ports.Reranker, cfg RetrievalConfig) *RetrieveUseCase {
	var kw ports.KeywordSearcher
	if keyword != nil {
		kw = keyword
	}
	return NewRetrieveUseCase(parserFake{queryType: domain.QueryNarrative}, &embedderFake{}, vector, kw, reranker, cfg, nil, nil)
}

func resultIDs(results []domain.RerankedResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Chunk.ID)
	}
	return ids
}

func TestRetrieveEvidenceFusesAndReranks(t *testing.T) {
	vector := &vectorFake{ids: []string{"a", "b", "c"}}
	keyword := &keywordFake{ids: []string{"b", "d"}}
	reranker := &reverseReranker{}
	uc := newRetrieve(vector, keyword, reranker, RetrievalConfig{})

	ev, err := uc.RetrieveEvidence(context.Background(), "noi for q3", domain.Filters{}, 10, domain.RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if len(ev.Results) != 4 {
		t.Fatalf("expected 4 fused results, got %v", resultIDs(ev.Results))
	}
	if !ev.Reranked || ev.RerankProvider != "reverse" {
		t.Fatalf("expected reranked by reverse, got provider=%s reranked=%v", ev.RerankProvider, ev.Reranked)
	}
	if ev.Results[len(ev.Results)-1].Chunk.ID != "b" {
		t.Fatalf("expected fused leader b last after reverse rerank, got %v", resultIDs(ev.Results))
	}
	if ev.Degraded {
		t.Fatalf("expected healthy retrieval")
	}
	if keyword.query != "noi for q3 rewritten" {
		t.Fatalf("expected keyword search on rewritten query, got %q", keyword.query)
	}
	if vector.topK != 50 {
		t.Fatalf("expected candidate pool 50, got %d", vector.topK)
	}
}

func TestRetrieveEvidenceUsesPartialResultsWhenVectorFails(t *testing.T) {
	vector := &vectorFake{err: errors.New("qdrant down")}
	keyword := &keywordFake{ids: []string{"k1", "k2"}}
	uc := newRetrieve(vector, keyword, nil, RetrievalConfig{})

	ev, err := uc.RetrieveEvidence(context.Background(), "occupancy", domain.Filters{}, 5, domain.RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if got := resultIDs(ev.Results); len(got) != 2 || got[0] != "k1" {
		t.Fatalf("expected keyword-only results, got %v", got)
	}
	if ev.Sources[domain.SourceVector] != domain.SourceFailed || ev.Sources[domain.SourceKeyword] != domain.SourceOK {
		t.Fatalf("unexpected source statuses: %v", ev.Sources)
	}
	if !ev.Degraded {
		t.Fatalf("expected degraded evidence")
	}
}

func TestRetrieveEvidenceKeepsFastSourceWhenSiblingTimesOut(t *testing.T) {
	vector := &vectorFake{ids: []string{"v1"}}
	keyword := &keywordFake{ids: []string{"k1"}, delay: time.Second}
	uc := newRetrieve(vector, keyword, nil, RetrievalConfig{KeywordTimeout: 20 * time.Millisecond})

	ev, err := uc.RetrieveEvidence(context.Background(), "revenue", domain.Filters{}, 5, domain.RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if ev.Sources[domain.SourceKeyword] != domain.SourceTimeout {
		t.Fatalf("expected keyword timeout status, got %v", ev.Sources)
	}
	if got := resultIDs(ev.Results); len(got) != 1 || got[0] != "v1" {
		t.Fatalf("expected vector result only, got %v", got)
	}
}

func TestRetrieveEvidenceFailsWhenBothSourcesFail(t *testing.T) {
	uc := newRetrieve(&vectorFake{err: errors.New("down")}, &keywordFake{err: errors.New("index missing")}, nil, RetrievalConfig{})

	_, err := uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 5, domain.RetrieveOptions{})
	if !domain.IsKind(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("expected retrieval unavailable, got %v", err)
	}
	if domain.IsKind(err, domain.ErrRetrievalTimeout) {
		t.Fatalf("hard failures must not be reported as timeout: %v", err)
	}
}

func TestRetrieveEvidenceAllSourcesTimedOut(t *testing.T) {
	cfg := RetrievalConfig{VectorTimeout: 10 * time.Millisecond, KeywordTimeout: 10 * time.Millisecond}
	uc := newRetrieve(&vectorFake{ids: []string{"a"}, delay: time.Second}, &keywordFake{ids: []string{"b"}, delay: time.Second}, nil, cfg)

	_, err := uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 5, domain.RetrieveOptions{})
	if !domain.IsKind(err, domain.ErrRetrievalUnavailable) || !domain.IsKind(err, domain.ErrRetrievalTimeout) {
		t.Fatalf("expected unavailable+timeout, got %v", err)
	}
}

func TestRetrieveEvidenceNoMatchesIsInsufficientEvidence(t *testing.T) {
	uc := newRetrieve(&vectorFake{}, &keywordFake{}, nil, RetrievalConfig{})

	_, err := uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 5, domain.RetrieveOptions{})
	if !domain.IsKind(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("expected retrieval unavailable on empty evidence, got %v", err)
	}
}

func TestRetrieveEvidenceHonoursCallerDeadline(t *testing.T) {
	cfg := RetrievalConfig{VectorTimeout: time.Second, KeywordTimeout: time.Second}
	uc := newRetrieve(&vectorFake{ids: []string{"a"}, delay: 2 * time.Second}, &keywordFake{ids: []string{"b"}, delay: 2 * time.Second}, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := uc.RetrieveEvidence(ctx, "noi", domain.Filters{}, 5, domain.RetrieveOptions{})
	if !domain.IsKind(err, domain.ErrRetrievalTimeout) {
		t.Fatalf("expected retrieval timeout, got %v", err)
	}
	if time.Since(started) > 500*time.Millisecond {
		t.Fatalf("caller deadline was not honoured")
	}
}

func TestRetrieveEvidenceFallsBackToFusedOrderWhenRerankFails(t *testing.T) {
	reranker := &reverseReranker{fail: true}
	uc := newRetrieve(&vectorFake{ids: []string{"a", "b"}}, &keywordFake{ids: []string{"a"}}, reranker, RetrievalConfig{})

	ev, err := uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 5, domain.RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if got := resultIDs(ev.Results); len(got) != 2 || got[0] != "a" {
		t.Fatalf("expected fused order, got %v", got)
	}
	if ev.Reranked || !ev.Degraded {
		t.Fatalf("expected degraded, not reranked evidence")
	}
}

func TestRetrieveEvidenceRespectsDisabledStages(t *testing.T) {
	reranker := &reverseReranker{}
	keyword := &keywordFake{ids: []string{"k"}}
	uc := newRetrieve(&vectorFake{ids: []string{"a", "b"}}, keyword, reranker, RetrievalConfig{})

	ev, err := uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 1, domain.RetrieveOptions{
		RerankDisabled:  true,
		KeywordDisabled: true,
	})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if reranker.calls != 0 {
		t.Fatalf("reranker must not be called when disabled")
	}
	if keyword.query != "" {
		t.Fatalf("keyword search must not run when disabled")
	}
	if ev.Sources[domain.SourceKeyword] != domain.SourceDisabled || ev.Degraded {
		t.Fatalf("disabled keyword source is not a degradation: %v degraded=%v", ev.Sources, ev.Degraded)
	}
	if got := resultIDs(ev.Results); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected top-1 fused result, got %v", got)
	}
}

func TestRetrieveEvidenceValidatesInput(t *testing.T) {
	uc := newRetrieve(&vectorFake{ids: []string{"a"}}, &keywordFake{}, nil, RetrievalConfig{})
	cases := []struct {
		name    string
		query   string
		topK    int
		filters domain.Filters
	}{
		{name: "empty query", query: "  ", topK: 5},
		{name: "zero top k", query: "noi", topK: 0},
		{name: "top k above cap", query: "noi", topK: 500},
		{name: "unknown document type", query: "noi", topK: 5, filters: domain.Filters{DocumentType: "selfie"}},
	}
	for _, tc := range cases {
		_, err := uc.RetrieveEvidence(context.Background(), tc.query, tc.filters, tc.topK, domain.RetrieveOptions{})
		if !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", tc.name, err)
		}
	}
}

func TestRetrieveEvidenceResolvesFusionParams(t *testing.T) {
	cfg := RetrievalConfig{
		Profiles: map[domain.QueryType]domain.FusionParams{
			domain.QueryNumeric: {Mode: domain.FusionRRF, Alpha: 0.4, K: 20},
		},
	}
	uc := NewRetrieveUseCase(parserFake{queryType: domain.QueryNumeric}, &embedderFake{}, &vectorFake{ids: []string{"a"}}, &keywordFake{ids: []string{"a"}}, nil, cfg, nil, nil)

	ev, err := uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 5, domain.RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if ev.Fusion.Alpha != 0.4 || ev.Fusion.K != 20 {
		t.Fatalf("expected numeric profile, got %+v", ev.Fusion)
	}

	weight := 0.25
	ev, err = uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 5, domain.RetrieveOptions{
		Fusion:        &domain.FusionParams{Mode: domain.FusionWeighted},
		KeywordWeight: &weight,
	})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if ev.Fusion.Mode != domain.FusionWeighted || ev.Fusion.KeywordWeight != 0.25 {
		t.Fatalf("expected call options to win, got %+v", ev.Fusion)
	}

	bad := 1.5
	_, err = uc.RetrieveEvidence(context.Background(), "noi", domain.Filters{}, 5, domain.RetrieveOptions{KeywordWeight: &bad})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid fusion params, got %v", err)
	}
}

func TestRetrieveEvidenceSearchesWithEnrichedFilters(t *testing.T) {
	vector := &vectorFake{ids: []string{"a"}}
	parser := parserFake{queryType: domain.QueryNumeric, filters: domain.Filters{Period: "2024-Q3"}}
	uc := NewRetrieveUseCase(parser, &embedderFake{}, vector, nil, nil, RetrievalConfig{}, nil, nil)

	ev, err := uc.RetrieveEvidence(context.Background(), "noi in q3 2024", domain.Filters{}, 5, domain.RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if vector.filters.Period != "2024-Q3" {
		t.Fatalf("expected enriched period filter, got %+v", vector.filters)
	}
	if ev.Query.Filters.Period != "2024-Q3" {
		t.Fatalf("expected parsed query filters on evidence, got %+v", ev.Query.Filters)
	}
}

type recordingObserver struct {
	ports.NopObserver
	mu      sync.Mutex
	sources map[domain.RetrievalSource]domain.SourceStatus
	mode    domain.FusionMode
	fused   int
}

func (o *recordingObserver) ObserveRetrievalSource(source domain.RetrievalSource, status domain.SourceStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sources == nil {
		o.sources = make(map[domain.RetrievalSource]domain.SourceStatus)
	}
	o.sources[source] = status
}

func (o *recordingObserver) ObserveFusion(mode domain.FusionMode, candidates int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mode = mode
	o.fused = candidates
}

func TestRetrieveEvidenceReportsSourceAndFusionTelemetry(t *testing.T) {
	observer := &recordingObserver{}
	uc := NewRetrieveUseCase(parserFake{queryType: domain.QueryNarrative}, &embedderFake{},
		&vectorFake{err: errors.New("qdrant down")}, &keywordFake{ids: []string{"k1", "k2"}},
		nil, RetrievalConfig{}, nil, observer)

	if _, err := uc.RetrieveEvidence(context.Background(), "occupancy", domain.Filters{}, 5, domain.RetrieveOptions{}); err != nil {
		t.Fatalf("RetrieveEvidence() error = %v", err)
	}
	if observer.sources[domain.SourceVector] != domain.SourceFailed || observer.sources[domain.SourceKeyword] != domain.SourceOK {
		t.Fatalf("unexpected observed statuses: %v", observer.sources)
	}
	if observer.mode != domain.FusionRRF || observer.fused != 2 {
		t.Fatalf("unexpected fusion telemetry mode=%s candidates=%d", observer.mode, observer.fused)
	}
}
