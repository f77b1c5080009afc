// Package redis keeps the semantic cache hash tier in Redis so entries survive restarts
// and are shared between API replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewStore(rdb goredis.UniversalClient, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "evidence:cache:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Connect opens a client for addr and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Get returns (nil, nil) on a miss.
func (s *Store) Get(ctx context.Context, hash string) (*domain.CacheEntry, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+hash).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.ErrCacheUnavailable, "redis get", err)
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, domain.WrapError(domain.ErrCacheUnavailable, "redis decode", err)
	}
	return &entry, nil
}

func (s *Store) Put(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	if entry.Hash == "" {
		return domain.WrapError(domain.ErrInvalidInput, "redis put", errors.New("entry hash is required"))
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+entry.Hash, raw, ttl).Err(); err != nil {
		return domain.WrapError(domain.ErrCacheUnavailable, "redis set", err)
	}
	return nil
}
