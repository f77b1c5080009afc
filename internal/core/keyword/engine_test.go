package keyword

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

type fakeSource struct {
	mu     sync.Mutex
	chunks []domain.Chunk
	err    error
	lists  int
}

func (f *fakeSource) ListChunks(context.Context) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out, nil
}

func (f *fakeSource) CountChunks(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks), f.err
}

func (f *fakeSource) set(chunks []domain.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = chunks
}

func corpus() []domain.Chunk {
	return []domain.Chunk{
		{ID: "c1", DocumentID: "d1", PropertyID: "p-100", Period: "2024-Q3", DocumentType: "operating_statement", Text: "Net operating income for the quarter was $1,234,567.89"},
		{ID: "c2", DocumentID: "d1", PropertyID: "p-100", Period: "2024-Q3", DocumentType: "operating_statement", Text: "Operating expenses increased due to property taxes"},
		{ID: "c3", DocumentID: "d2", PropertyID: "p-200", Period: "2024-Q3", DocumentType: "rent_roll", Text: "Occupancy was 92.5% with rent growth on renewals"},
		{ID: "c4", DocumentID: "d3", PropertyID: "p-100", Period: "2023-Q4", DocumentType: "operating_statement", Text: "Net operating income declined year over year"},
	}
}

func newTestEngine(t *testing.T, src *fakeSource, cfg Config) *Engine {
	t.Helper()
	engine, err := NewEngine(src, cfg, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestSearchRanksMatchingChunks(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{chunks: corpus()}, DefaultConfig())

	results, err := engine.Search(context.Background(), "net operating income", 10, domain.Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Rank != i+1 || r.Source != domain.SourceKeyword {
			t.Fatalf("unexpected rank/source at %d: %+v", i, r)
		}
	}
	if results[0].Chunk.ID != "c4" && results[0].Chunk.ID != "c1" {
		t.Fatalf("expected an NOI chunk first, got %s", results[0].Chunk.ID)
	}
	if results[2].Chunk.ID != "c2" {
		t.Fatalf("expected c2 last, got %s", results[2].Chunk.ID)
	}
}

func TestSearchBM25Score(t *testing.T) {
	src := &fakeSource{chunks: []domain.Chunk{
		{ID: "a", Text: "rent rent income"},
		{ID: "b", Text: "expense"},
	}}
	engine := newTestEngine(t, src, DefaultConfig())

	results, err := engine.Search(context.Background(), "rent", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	want := math.Log(2) * (2 * 2.5) / (2 + 1.5*(1-0.75+0.75*3.0/2.0))
	if math.Abs(results[0].Score-want) > 1e-9 {
		t.Fatalf("expected score %.9f, got %.9f", want, results[0].Score)
	}
}

func TestSearchAppliesFilters(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{chunks: corpus()}, DefaultConfig())

	results, err := engine.Search(context.Background(), "net operating income", 10, domain.Filters{Period: "2024-Q3"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Chunk.Period != "2024-Q3" {
			t.Fatalf("filter leaked chunk %s period %s", r.Chunk.ID, r.Chunk.Period)
		}
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 filtered results, got %d", len(results))
	}
}

func TestSearchRejectsInvalidInput(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{chunks: corpus()}, DefaultConfig())
	if _, err := engine.Search(context.Background(), "  ", 5, domain.Filters{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank query, got %v", err)
	}
	if _, err := engine.Search(context.Background(), "rent", 0, domain.Filters{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for topK 0, got %v", err)
	}
}

func TestRebuildTwiceIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{chunks: corpus()}, DefaultConfig())
	ctx := context.Background()

	if err := engine.RebuildIndex(ctx); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first, err := engine.Search(ctx, "operating income rent", 10, domain.Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if err := engine.RebuildIndex(ctx); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second, err := engine.Search(ctx, "operating income rent", 10, domain.Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ across rebuilds:\n%+v\n%+v", first, second)
	}
	if got := engine.Stats().Generation; got != 2 {
		t.Fatalf("expected generation 2, got %d", got)
	}
}

func TestBuildIndexIsNoopWhenBuilt(t *testing.T) {
	src := &fakeSource{chunks: corpus()}
	engine := newTestEngine(t, src, DefaultConfig())
	ctx := context.Background()

	if err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build again: %v", err)
	}
	if src.lists != 1 {
		t.Fatalf("expected one corpus read, got %d", src.lists)
	}
}

func TestConcurrentReadsSeeCompleteIndex(t *testing.T) {
	small := []domain.Chunk{
		{ID: "r1", Text: "rent"}, {ID: "r2", Text: "rent"}, {ID: "r3", Text: "rent"},
	}
	large := append(append([]domain.Chunk{}, small...), domain.Chunk{ID: "r4", Text: "rent"}, domain.Chunk{ID: "r5", Text: "rent"})
	src := &fakeSource{chunks: small}
	engine := newTestEngine(t, src, DefaultConfig())
	ctx := context.Background()
	if err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				results, err := engine.Search(ctx, "rent", 10, domain.Filters{})
				if err != nil {
					errs <- err
					return
				}
				if n := len(results); n != 3 && n != 5 {
					errs <- errors.New("observed partially built index")
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			src.set(large)
		} else {
			src.set(small)
		}
		if err := engine.RebuildIndex(ctx); err != nil {
			t.Fatalf("rebuild: %v", err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent search: %v", err)
	}
}

func TestRecordCorpusChangeRebuildsPastThreshold(t *testing.T) {
	src := &fakeSource{chunks: corpus()}
	cfg := DefaultConfig()
	cfg.RebuildThreshold = 2
	engine := newTestEngine(t, src, cfg)
	ctx := context.Background()
	if err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	engine.RecordCorpusChange(ctx, 2)
	if got := engine.Stats().Generation; got != 1 {
		t.Fatalf("expected no rebuild at threshold, got generation %d", got)
	}

	src.set(append(corpus(), domain.Chunk{ID: "c5", Text: "Debt service coverage ratio of 1.35x"}))
	engine.RecordCorpusChange(ctx, 1)

	deadline := time.Now().Add(2 * time.Second)
	for engine.Stats().Generation < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected background rebuild after threshold")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats := engine.Stats()
	if stats.Documents != 5 {
		t.Fatalf("expected 5 documents after rebuild, got %d", stats.Documents)
	}
	if stats.PendingChanges != 0 {
		t.Fatalf("expected pending changes reset, got %d", stats.PendingChanges)
	}
}

func TestSyncWithSourceRebuildsOnDrift(t *testing.T) {
	src := &fakeSource{chunks: corpus()}
	cfg := DefaultConfig()
	cfg.RebuildThreshold = 1
	engine := newTestEngine(t, src, cfg)
	ctx := context.Background()
	if err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	rebuilt, err := engine.SyncWithSource(ctx)
	if err != nil || rebuilt {
		t.Fatalf("expected no rebuild without drift, got rebuilt=%v err=%v", rebuilt, err)
	}

	src.set(corpus()[:2])
	rebuilt, err = engine.SyncWithSource(ctx)
	if err != nil || !rebuilt {
		t.Fatalf("expected rebuild on drift, got rebuilt=%v err=%v", rebuilt, err)
	}
	if got := engine.Stats().Documents; got != 2 {
		t.Fatalf("expected 2 documents, got %d", got)
	}
}

func TestSearchSurfacesSourceFailure(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{err: errors.New("db down")}, DefaultConfig())
	_, err := engine.Search(context.Background(), "rent", 5, domain.Filters{})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestTokenizeKeepsNumbersAndDropsStopWords(t *testing.T) {
	got := Tokenize("What was the NOI in 2024? It was $1,234")
	want := []string{"noi", "2024", "1", "234"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
