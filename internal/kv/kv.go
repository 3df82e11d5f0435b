// Package kv is the key-value capability behind the layer, cube and job
// stores. Backends: Redis and LevelDB.
package kv

import (
	"context"
	"strings"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = model.ErrNotFound

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Del(ctx context.Context, key string) error
	// List returns keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Namespace scopes a Store under "{name}:". Close is a no-op; the parent
// owns the connection.
type Namespace struct {
	parent Store
	prefix string
}

func NewNamespace(parent Store, name string) *Namespace {
	return &Namespace{parent: parent, prefix: name + ":"}
}

func (n *Namespace) Get(ctx context.Context, key string) ([]byte, error) {
	return n.parent.Get(ctx, n.prefix+key)
}

func (n *Namespace) Set(ctx context.Context, key string, val []byte) error {
	return n.parent.Set(ctx, n.prefix+key, val)
}

func (n *Namespace) Del(ctx context.Context, key string) error {
	return n.parent.Del(ctx, n.prefix+key)
}

func (n *Namespace) List(ctx context.Context, prefix string) ([]string, error) {
	ks, err := n.parent.List(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range ks {
		ks[i] = strings.TrimPrefix(k, n.prefix)
	}
	return ks, nil
}

func (n *Namespace) Close() error { return nil }
