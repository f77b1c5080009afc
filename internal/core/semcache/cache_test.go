package semcache

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

type fakeBackend struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
	err     error
	puts    int
}

func (f *fakeBackend) Get(_ context.Context, hash string) (*domain.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.entries[hash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeBackend) Put(_ context.Context, entry domain.CacheEntry, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.err != nil {
		return f.err
	}
	if f.entries == nil {
		f.entries = map[string]domain.CacheEntry{}
	}
	f.entries[entry.Hash] = entry
	return nil
}

const (
	stored     = "what was the noi for q3 2024"
	paraphrase = "how much net operating income in q3 2024"
	unrelated  = "what is the occupancy rate"
)

func newEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		stored:     {1, 0, 0},
		paraphrase: {0.96, 0.28, 0},
		unrelated:  {0.8, 0.6, 0},
	}}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(embedder *fakeEmbedder, backend *fakeBackend, cfg Config) (*Cache, *clock) {
	var b ports.CacheBackend
	if backend != nil {
		b = backend
	}
	c := New(embedder, b, cfg, nil, nil)
	clk := &clock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	c.now = clk.now
	return c, clk
}

func answer(text string) domain.CachedAnswer {
	return domain.CachedAnswer{Text: text, Confidence: 0.9}
}

func TestLookupVerbatimHitsHashTier(t *testing.T) {
	cache, _ := newTestCache(newEmbedder(), nil, DefaultConfig())
	ctx := context.Background()
	if _, err := cache.Store(ctx, "What was the NOI for Q3 2024?", domain.Filters{}, answer("NOI was $1.2M")); err != nil {
		t.Fatalf("store: %v", err)
	}

	hit, ok := cache.Lookup(ctx, "  what was the noi for   Q3 2024 ", domain.Filters{})
	if !ok {
		t.Fatalf("expected hash hit")
	}
	if !hit.Exact || hit.Similarity != 1.0 || hit.Tier != domain.CacheTierHash {
		t.Fatalf("expected exact hit with similarity 1.0, got %+v", hit)
	}
	if hit.Entry.Answer.Text != "NOI was $1.2M" {
		t.Fatalf("unexpected answer %q", hit.Entry.Answer.Text)
	}
}

func TestLookupParaphraseAboveThresholdHits(t *testing.T) {
	cache, _ := newTestCache(newEmbedder(), nil, DefaultConfig())
	ctx := context.Background()
	if _, err := cache.Store(ctx, stored, domain.Filters{}, answer("cached")); err != nil {
		t.Fatalf("store: %v", err)
	}

	hit, ok := cache.Lookup(ctx, paraphrase, domain.Filters{})
	if !ok {
		t.Fatalf("expected semantic hit for 0.96 similarity")
	}
	if hit.Exact || hit.Tier != domain.CacheTierSemantic {
		t.Fatalf("expected approximate hit, got %+v", hit)
	}
	if math.Abs(hit.Similarity-0.96) > 1e-6 {
		t.Fatalf("expected similarity ~0.96, got %.8f", hit.Similarity)
	}
}

func TestLookupParaphraseBelowThresholdMisses(t *testing.T) {
	cache, _ := newTestCache(newEmbedder(), nil, DefaultConfig())
	ctx := context.Background()
	if _, err := cache.Store(ctx, stored, domain.Filters{}, answer("cached")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if hit, ok := cache.Lookup(ctx, unrelated, domain.Filters{}); ok {
		t.Fatalf("expected miss for 0.80 similarity, got %+v", hit)
	}
}

func TestLookupExcludesExpiredEntries(t *testing.T) {
	cache, clk := newTestCache(newEmbedder(), nil, DefaultConfig())
	ctx := context.Background()
	if _, err := cache.Store(ctx, stored, domain.Filters{}, answer("cached")); err != nil {
		t.Fatalf("store: %v", err)
	}

	clk.t = clk.t.Add(25 * time.Hour)
	if _, ok := cache.Lookup(ctx, stored, domain.Filters{}); ok {
		t.Fatalf("expected expired hash entry to miss")
	}
	if _, ok := cache.Lookup(ctx, paraphrase, domain.Filters{}); ok {
		t.Fatalf("expected expired window entry to miss")
	}
}

func TestWindowIsBounded(t *testing.T) {
	embedder := newEmbedder()
	embedder.vectors["q2"] = []float32{0, 1, 0}
	embedder.vectors["q3"] = []float32{0, 0, 1}
	cfg := DefaultConfig()
	cfg.Window = 2
	cache, _ := newTestCache(embedder, nil, cfg)
	ctx := context.Background()

	for _, q := range []string{stored, "q2", "q3"} {
		if _, err := cache.Store(ctx, q, domain.Filters{}, answer(q)); err != nil {
			t.Fatalf("store %s: %v", q, err)
		}
	}
	if cache.WindowSize() != 2 {
		t.Fatalf("expected window of 2, got %d", cache.WindowSize())
	}
	if _, ok := cache.Lookup(ctx, paraphrase, domain.Filters{}); ok {
		t.Fatalf("expected oldest entry to have left the similarity window")
	}
}

func TestLookupIsScopedByFilters(t *testing.T) {
	cache, _ := newTestCache(newEmbedder(), nil, DefaultConfig())
	ctx := context.Background()
	if _, err := cache.Store(ctx, stored, domain.Filters{PropertyID: "p-100"}, answer("p100")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, ok := cache.Lookup(ctx, stored, domain.Filters{PropertyID: "p-200"}); ok {
		t.Fatalf("expected miss across property scopes")
	}
	if _, ok := cache.Lookup(ctx, stored, domain.Filters{PropertyID: "P-100"}); !ok {
		t.Fatalf("expected hit for same property scope")
	}
}

func TestStoreSupersedesWithoutMutatingPriorEntry(t *testing.T) {
	embedder := newEmbedder()
	cache, _ := newTestCache(embedder, nil, DefaultConfig())
	ctx := context.Background()

	first, err := cache.Store(ctx, stored, domain.Filters{}, answer("first"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	embedder.vectors[stored][0] = 0.5
	second, err := cache.Store(ctx, stored, domain.Filters{}, answer("second"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if first.ID == second.ID {
		t.Fatalf("expected a new entry id")
	}
	if first.Embedding[0] != 1 {
		t.Fatalf("prior embedding mutated: %v", first.Embedding)
	}
	hit, ok := cache.Lookup(ctx, stored, domain.Filters{})
	if !ok || hit.Entry.Answer.Text != "second" {
		t.Fatalf("expected newest entry to win, got %+v", hit)
	}
}

func TestEmbedderFailureDegradesToMiss(t *testing.T) {
	embedder := newEmbedder()
	cache, _ := newTestCache(embedder, nil, DefaultConfig())
	ctx := context.Background()
	if _, err := cache.Store(ctx, stored, domain.Filters{}, answer("cached")); err != nil {
		t.Fatalf("store: %v", err)
	}

	embedder.err = errors.New("embedding service down")
	if _, ok := cache.Lookup(ctx, paraphrase, domain.Filters{}); ok {
		t.Fatalf("expected miss when embedding fails")
	}
	if _, ok := cache.Lookup(ctx, stored, domain.Filters{}); !ok {
		t.Fatalf("expected hash tier to keep working without embeddings")
	}
	if _, err := cache.Store(ctx, "new question", domain.Filters{}, answer("x")); err != nil {
		t.Fatalf("store should degrade, got %v", err)
	}
}

func TestBackendServesHashTierAcrossInstances(t *testing.T) {
	backend := &fakeBackend{}
	writer, _ := newTestCache(newEmbedder(), backend, DefaultConfig())
	ctx := context.Background()
	if _, err := writer.Store(ctx, stored, domain.Filters{}, answer("shared")); err != nil {
		t.Fatalf("store: %v", err)
	}

	reader, _ := newTestCache(newEmbedder(), backend, DefaultConfig())
	hit, ok := reader.Lookup(ctx, stored, domain.Filters{})
	if !ok || !hit.Exact || hit.Entry.Answer.Text != "shared" {
		t.Fatalf("expected backend hash hit, got %+v ok=%v", hit, ok)
	}
}

func TestBackendFailureDegradesToMiss(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	cache, _ := newTestCache(newEmbedder(), backend, DefaultConfig())
	ctx := context.Background()

	if _, err := cache.Store(ctx, stored, domain.Filters{}, answer("cached")); err != nil {
		t.Fatalf("store must not fail on backend errors: %v", err)
	}
	if _, ok := cache.Lookup(ctx, "never stored", domain.Filters{}); ok {
		t.Fatalf("expected miss")
	}
	if _, ok := cache.Lookup(ctx, stored, domain.Filters{}); !ok {
		t.Fatalf("expected local hash tier hit despite backend failure")
	}
}

func TestConcurrentStoreAndLookup(t *testing.T) {
	cache, _ := newTestCache(newEmbedder(), nil, DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = cache.Store(ctx, stored, domain.Filters{}, answer("a"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Lookup(ctx, paraphrase, domain.Filters{})
			}
		}()
	}
	wg.Wait()
	if cache.WindowSize() != 100 {
		t.Fatalf("expected full window, got %d", cache.WindowSize())
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 0}); got != 0 {
		t.Fatalf("expected 0 for mismatched dims, got %f", got)
	}
}
