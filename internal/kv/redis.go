package kv

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/tilecache/internal/cache/redisstore"
)

type Redis struct {
	cli *redisstore.Client
}

func NewRedis(cli *redisstore.Client) *Redis {
	return &Redis{cli: cli}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok, err := r.cli.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("kv get %q: %w", key, ErrNotFound)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte) error {
	return r.cli.Set(ctx, key, val, 0)
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.cli.Del(ctx, key)
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	return r.cli.Keys(ctx, prefix)
}

func (r *Redis) Close() error { return r.cli.Close() }
