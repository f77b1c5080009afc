package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "test"), mr
}

func TestStorePutGetRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	entry := domain.CacheEntry{
		ID:        "e1",
		Question:  "what was noi",
		Hash:      "abc",
		Embedding: []float32{1, 0, 0},
		Answer:    domain.CachedAnswer{Text: "NOI was $1.2M", Confidence: 1},
		CreatedAt: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := store.Put(context.Background(), entry, time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !mr.Exists("test:abc") {
		t.Fatalf("expected prefixed key")
	}
	if ttl := mr.TTL("test:abc"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}

	got, err := store.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Answer.Text != "NOI was $1.2M" || len(got.Embedding) != 3 {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestStoreMissReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)
	got, err := store.Get(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil miss, got %+v, %v", got, err)
	}
}

func TestStoreExpiredEntryIsMiss(t *testing.T) {
	store, mr := newTestStore(t)
	if err := store.Put(context.Background(), domain.CacheEntry{Hash: "h"}, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)
	got, err := store.Get(context.Background(), "h")
	if err != nil || got != nil {
		t.Fatalf("expected expired miss, got %+v, %v", got, err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()
	_, err := store.Get(context.Background(), "h")
	if !domain.IsKind(err, domain.ErrCacheUnavailable) {
		t.Fatalf("expected cache unavailable, got %v", err)
	}
}
