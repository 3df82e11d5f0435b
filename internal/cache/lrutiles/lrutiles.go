// Package lrutiles puts a sharded in-memory LRU in front of another tile cache.
package lrutiles

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
)

const defaultShards = 16

type Store struct {
	shards []*lru.Cache[string, []byte]
	back   cache.TileCache
}

var _ cache.TileCache = (*Store)(nil)

// New holds up to size tiles in memory. back may be nil for a memory-only cache.
func New(size int, back cache.TileCache) (*Store, error) {
	if size <= 0 {
		return nil, fmt.Errorf("lru tile cache: size must be positive (got %d)", size)
	}
	n := defaultShards
	if size < n {
		n = 1
	}
	s := &Store{shards: make([]*lru.Cache[string, []byte], n), back: back}
	for i := range s.shards {
		c, err := lru.New[string, []byte](max(1, size/n))
		if err != nil {
			return nil, fmt.Errorf("lru tile cache: %w", err)
		}
		s.shards[i] = c
	}
	return s, nil
}

func (s *Store) shard(key string) *lru.Cache[string, []byte] {
	return s.shards[keys.Shard(key, len(s.shards))]
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := s.shard(key).Get(key); ok {
		return v, true, nil
	}
	if s.back == nil {
		return nil, false, nil
	}
	v, ok, err := s.back.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	s.shard(key).Add(key, v)
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, val []byte) error {
	if s.back != nil {
		if err := s.back.Set(ctx, key, val); err != nil {
			return err
		}
	}
	s.shard(key).Add(key, val)
	return nil
}

func (s *Store) Del(ctx context.Context, ks ...string) error {
	for _, k := range ks {
		s.shard(k).Remove(k)
	}
	if s.back == nil {
		return nil
	}
	return s.back.Del(ctx, ks...)
}

func (s *Store) DelPrefix(ctx context.Context, prefix string) (int, error) {
	n := 0
	for _, sh := range s.shards {
		for _, k := range sh.Keys() {
			if strings.HasPrefix(k, prefix) && sh.Remove(k) {
				n++
			}
		}
	}
	if s.back == nil {
		return n, nil
	}
	return s.back.DelPrefix(ctx, prefix)
}

// Len is the number of tiles held in memory.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.Len()
	}
	return n
}

func (s *Store) Close() error {
	for _, sh := range s.shards {
		sh.Purge()
	}
	if s.back == nil {
		return nil
	}
	return s.back.Close()
}
