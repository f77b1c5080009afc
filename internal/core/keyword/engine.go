// Package keyword implements the BM25 keyword search engine over the chunk corpus.
package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

type Config struct {
	K1               float64
	B                float64
	RebuildThreshold int
	ResultCacheSize  int
	RebuildTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		K1:               1.5,
		B:                0.75,
		RebuildThreshold: 100,
		ResultCacheSize:  512,
		RebuildTimeout:   2 * time.Minute,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.K1 <= 0 {
		c.K1 = def.K1
	}
	if c.B < 0 || c.B > 1 {
		c.B = def.B
	}
	if c.RebuildThreshold <= 0 {
		c.RebuildThreshold = def.RebuildThreshold
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = def.ResultCacheSize
	}
	if c.RebuildTimeout <= 0 {
		c.RebuildTimeout = def.RebuildTimeout
	}
	return c
}

// Engine serves reads from the current index while rebuilds run; a finished rebuild is
// published with a single pointer swap.
type Engine struct {
	source   ports.ChunkSource
	cfg      Config
	logger   *slog.Logger
	observer ports.PipelineObserver

	current    atomic.Pointer[index]
	pending    atomic.Int64
	rebuilding atomic.Bool
	builds     singleflight.Group
	results    *lru.Cache[string, []domain.RetrievalResult]
	now        func() time.Time
}

func NewEngine(source ports.ChunkSource, cfg Config, logger *slog.Logger, observer ports.PipelineObserver) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("keyword: chunk source is nil")
	}
	cfg = cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = ports.NopObserver{}
	}
	results, err := lru.New[string, []domain.RetrievalResult](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("keyword: result cache: %w", err)
	}
	return &Engine{
		source:   source,
		cfg:      cfg,
		logger:   logger.With("component", "keyword_engine"),
		observer: observer,
		results:  results,
		now:      time.Now,
	}, nil
}

// BuildIndex builds the index if none exists yet.
func (e *Engine) BuildIndex(ctx context.Context) error {
	if e.current.Load() != nil {
		return nil
	}
	return e.rebuild(ctx)
}

// RebuildIndex replaces the index wholesale from the current corpus.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	return e.rebuild(ctx)
}

func (e *Engine) rebuild(ctx context.Context) error {
	_, err, _ := e.builds.Do("rebuild", func() (any, error) {
		start := time.Now()
		seen := e.pending.Load()

		chunks, err := e.source.ListChunks(ctx)
		if err != nil {
			e.observer.ObserveIndexRebuild(0, time.Since(start), err)
			return nil, domain.WrapError(domain.ErrTemporary, "keyword rebuild", err)
		}

		var generation uint64 = 1
		if prev := e.current.Load(); prev != nil {
			generation = prev.generation + 1
		}
		next := buildIndex(chunks, generation, e.now())
		e.pending.Add(-seen)
		e.current.Store(next)
		e.results.Purge()

		elapsed := time.Since(start)
		e.observer.ObserveIndexRebuild(len(next.chunks), elapsed, nil)
		e.logger.Info("keyword_index_rebuilt",
			"generation", generation,
			"documents", len(next.chunks),
			"terms", len(next.postings),
			"duration_ms", elapsed.Milliseconds(),
		)
		return nil, nil
	})
	return err
}

func (e *Engine) Search(ctx context.Context, query string, topK int, filters domain.Filters) ([]domain.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "keyword search", fmt.Errorf("query is empty"))
	}
	if topK < 1 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "keyword search", fmt.Errorf("topK must be >= 1"))
	}

	idx := e.current.Load()
	if idx == nil {
		if err := e.BuildIndex(ctx); err != nil {
			return nil, err
		}
		idx = e.current.Load()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := resultKey(idx.generation, query, topK, filters)
	if cached, ok := e.results.Get(key); ok {
		return cloneResults(cached), nil
	}
	results := idx.search(query, topK, filters, e.cfg.K1, e.cfg.B)
	e.results.Add(key, results)
	return cloneResults(results), nil
}

// RecordCorpusChange accumulates reported changes and starts a background rebuild once
// more than RebuildThreshold records changed since the last build.
func (e *Engine) RecordCorpusChange(ctx context.Context, records int) {
	if records <= 0 {
		return
	}
	total := e.pending.Add(int64(records))
	if total <= int64(e.cfg.RebuildThreshold) {
		return
	}
	if !e.rebuilding.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.rebuilding.Store(false)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RebuildTimeout)
		defer cancel()
		if err := e.rebuild(rctx); err != nil {
			e.logger.Error("keyword_index_rebuild_failed", "pending_changes", total, "error", err)
		}
	}()
}

// SyncWithSource rebuilds when the source row count drifted past the threshold.
// It reports whether a rebuild happened.
func (e *Engine) SyncWithSource(ctx context.Context) (bool, error) {
	idx := e.current.Load()
	if idx == nil {
		return true, e.rebuild(ctx)
	}
	count, err := e.source.CountChunks(ctx)
	if err != nil {
		return false, domain.WrapError(domain.ErrTemporary, "keyword sync", err)
	}
	drift := count - len(idx.chunks)
	if drift < 0 {
		drift = -drift
	}
	if int64(drift)+e.pending.Load() <= int64(e.cfg.RebuildThreshold) {
		return false, nil
	}
	return true, e.rebuild(ctx)
}

// Watch runs SyncWithSource on every tick until ctx is done.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SyncWithSource(ctx); err != nil {
				e.logger.Warn("keyword_index_sync_failed", "error", err)
			}
		}
	}
}

func (e *Engine) Stats() ports.IndexStats {
	stats := ports.IndexStats{
		PendingChanges: e.pending.Load(),
		K1:             e.cfg.K1,
		B:              e.cfg.B,
	}
	idx := e.current.Load()
	if idx == nil {
		return stats
	}
	stats.Documents = len(idx.chunks)
	stats.Terms = len(idx.postings)
	stats.AvgDocLength = idx.avgLen
	stats.Generation = idx.generation
	stats.BuiltAt = idx.builtAt.UTC().Format(time.RFC3339)
	return stats
}

func resultKey(generation uint64, query string, topK int, f domain.Filters) string {
	return fmt.Sprintf("%d|%d|%s|%s|%s|%s", generation, topK, f.PropertyID, f.Period, f.DocumentType, strings.Join(Tokenize(query), " "))
}

func cloneResults(in []domain.RetrievalResult) []domain.RetrievalResult {
	if in == nil {
		return nil
	}
	out := make([]domain.RetrievalResult, len(in))
	copy(out, in)
	return out
}
