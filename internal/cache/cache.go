// Package cache defines the tile cache contract shared by every storage
// backend. Keys come from package keys; values are opaque tile bytes.
package cache

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("tile cache closed")

// TileCache stores rendered tiles. A read error is reported separately from a
// miss so callers can decide to treat it as one.
type TileCache interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte) error
	Del(ctx context.Context, keys ...string) error
	// DelPrefix removes every key starting with prefix.
	DelPrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Purger is the subset of TileCache needed to invalidate a layer.
type Purger interface {
	DelPrefix(ctx context.Context, prefix string) (int, error)
}

// PurgeAll removes every prefix, returning the total removed and the first error.
func PurgeAll(ctx context.Context, p Purger, prefixes ...string) (int, error) {
	total := 0
	var firstErr error
	for _, pre := range prefixes {
		n, err := p.DelPrefix(ctx, pre)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}
