// Package redistiles stores tiles in Redis with an optional TTL.
package redistiles

import (
	"context"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/cache/redisstore"
)

type Store struct {
	cli *redisstore.Client
	ttl time.Duration
}

var _ cache.TileCache = (*Store)(nil)

// New wraps cli. ttl=0 keeps tiles until they are purged.
func New(cli *redisstore.Client, ttl time.Duration) *Store {
	return &Store{cli: cli, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.cli.Get(ctx, key)
}

func (s *Store) Set(ctx context.Context, key string, val []byte) error {
	return s.cli.Set(ctx, key, val, s.ttl)
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.cli.Del(ctx, keys...)
}

func (s *Store) DelPrefix(ctx context.Context, prefix string) (int, error) {
	return s.cli.DelPrefix(ctx, prefix)
}

func (s *Store) Close() error { return s.cli.Close() }
