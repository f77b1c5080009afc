// Package semcache is the two-tier semantic answer cache: an exact hash tier and an
// embedding similarity scan over a bounded window of recent entries.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

type Config struct {
	Threshold      float64
	Window         int
	TTL            time.Duration
	HashEntries    int
	BackendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:      0.95,
		Window:         100,
		TTL:            24 * time.Hour,
		HashEntries:    10000,
		BackendTimeout: 150 * time.Millisecond,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = def.Threshold
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.HashEntries <= 0 {
		c.HashEntries = def.HashEntries
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = def.BackendTimeout
	}
	return c
}

type Cache struct {
	embedder ports.Embedder
	backend  ports.CacheBackend
	cfg      Config
	hashes   *expirable.LRU[string, domain.CacheEntry]
	recent   *window
	logger   *slog.Logger
	observer ports.PipelineObserver
	now      func() time.Time
}

// New builds a cache. backend may be nil, in which case the hash tier is process local.
func New(embedder ports.Embedder, backend ports.CacheBackend, cfg Config, logger *slog.Logger, observer ports.PipelineObserver) *Cache {
	cfg = cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = ports.NopObserver{}
	}
	return &Cache{
		embedder: embedder,
		backend:  backend,
		cfg:      cfg,
		hashes:   expirable.NewLRU[string, domain.CacheEntry](cfg.HashEntries, nil, cfg.TTL),
		recent:   newWindow(cfg.Window),
		logger:   logger.With("component", "semantic_cache"),
		observer: observer,
		now:      time.Now,
	}
}

func (c *Cache) Lookup(ctx context.Context, question string, filters domain.Filters) (*domain.CacheHit, bool) {
	normalized := NormalizeQuestion(question)
	if normalized == "" {
		return nil, false
	}
	namespace := Namespace(filters)
	hash := Hash(namespace, normalized)

	if entry, ok := c.lookupHash(ctx, hash); ok {
		c.observer.ObserveCacheLookup(string(domain.CacheTierHash), true)
		return &domain.CacheHit{Entry: entry, Similarity: 1.0, Exact: true, Tier: domain.CacheTierHash}, true
	}

	if c.embedder == nil {
		c.observer.ObserveCacheLookup("miss", false)
		return nil, false
	}
	embedding, err := c.embedder.EmbedQuery(ctx, normalized)
	if err != nil {
		c.logger.Warn("cache_embedding_unavailable", "error", domain.WrapError(domain.ErrCacheUnavailable, "cache lookup", err))
		c.observer.ObserveCacheLookup("miss", false)
		return nil, false
	}

	var (
		best      domain.CacheEntry
		bestScore = -1.0
	)
	for _, entry := range c.recent.snapshot() {
		if entry.Namespace != namespace || !c.fresh(entry) || len(entry.Embedding) == 0 {
			continue
		}
		score := Cosine(embedding, entry.Embedding)
		if score > bestScore {
			best, bestScore = entry, score
		}
	}
	if bestScore >= c.cfg.Threshold {
		c.observer.ObserveCacheLookup(string(domain.CacheTierSemantic), true)
		return &domain.CacheHit{Entry: best, Similarity: bestScore, Exact: false, Tier: domain.CacheTierSemantic}, true
	}

	c.observer.ObserveCacheLookup("miss", false)
	return nil, false
}

func (c *Cache) lookupHash(ctx context.Context, hash string) (domain.CacheEntry, bool) {
	if entry, ok := c.hashes.Get(hash); ok && c.fresh(entry) {
		return entry, true
	}
	if c.backend == nil {
		return domain.CacheEntry{}, false
	}

	bctx, cancel := context.WithTimeout(ctx, c.cfg.BackendTimeout)
	defer cancel()
	entry, err := c.backend.Get(bctx, hash)
	if err != nil {
		c.logger.Warn("cache_backend_unavailable", "op", "get", "error", domain.WrapError(domain.ErrCacheUnavailable, "cache get", err))
		return domain.CacheEntry{}, false
	}
	if entry == nil || !c.fresh(*entry) {
		return domain.CacheEntry{}, false
	}
	c.hashes.Add(hash, *entry)
	return *entry, true
}

// Store appends a new entry. Backend and embedding failures degrade the entry rather
// than failing the call.
func (c *Cache) Store(ctx context.Context, question string, filters domain.Filters, answer domain.CachedAnswer) (*domain.CacheEntry, error) {
	normalized := NormalizeQuestion(question)
	if normalized == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "cache store", fmt.Errorf("question is empty"))
	}
	namespace := Namespace(filters)

	entry := domain.CacheEntry{
		ID:        uuid.NewString(),
		Question:  question,
		Namespace: namespace,
		Hash:      Hash(namespace, normalized),
		Answer:    answer,
		CreatedAt: c.now().UTC(),
	}
	if c.embedder != nil {
		embedding, err := c.embedder.EmbedQuery(ctx, normalized)
		if err != nil {
			c.logger.Warn("cache_embedding_unavailable", "op", "store", "error", domain.WrapError(domain.ErrCacheUnavailable, "cache store", err))
		} else {
			entry.Embedding = append([]float32(nil), embedding...)
		}
	}

	c.hashes.Add(entry.Hash, entry)
	if len(entry.Embedding) > 0 {
		c.recent.push(entry)
	}

	if c.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, c.cfg.BackendTimeout)
		defer cancel()
		if err := c.backend.Put(bctx, entry, c.cfg.TTL); err != nil {
			c.logger.Warn("cache_backend_unavailable", "op", "put", "error", domain.WrapError(domain.ErrCacheUnavailable, "cache put", err))
		}
	}
	return &entry, nil
}

func (c *Cache) WindowSize() int {
	return c.recent.len()
}

func (c *Cache) fresh(entry domain.CacheEntry) bool {
	return c.now().Sub(entry.CreatedAt) < c.cfg.TTL
}

// NormalizeQuestion lower-cases, collapses whitespace and drops trailing punctuation.
func NormalizeQuestion(q string) string {
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))
	return strings.TrimRight(q, "?!. ")
}

func Namespace(f domain.Filters) string {
	f = f.Normalize()
	return strings.ToLower(f.PropertyID + "|" + f.Period + "|" + f.DocumentType)
}

func Hash(namespace, normalized string) string {
	sum := sha256.Sum256([]byte(namespace + "\n" + normalized))
	return hex.EncodeToString(sum[:])
}

// Cosine is dot(a,b)/(|a||b|); mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
