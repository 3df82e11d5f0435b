// Package disktiles stores tiles as files. A key's colon-separated parts
// become directories, so "raster_tile:layer-1:3:2:1.png" lives at
// {root}/raster_tile/layer-1/3/2/1.png and a layer purge is a directory walk.
package disktiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
)

const backend = "disk"

type Store struct {
	root string
}

var _ cache.TileCache = (*Store)(nil)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("disk tile cache: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("disk tile cache: create root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(key string) (string, error) {
	parts := strings.Split(key, ":")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return "", fmt.Errorf("disk tile cache: invalid key %q", key)
		}
	}
	return filepath.Join(append([]string{s.root}, parts...)...), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	start := time.Now()
	p, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		observability.ObserveCacheOp(backend, "get", nil, time.Since(start).Seconds())
		return nil, false, nil
	}
	observability.ObserveCacheOp(backend, "get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("disk tile cache: read %q: %w", key, err)
	}
	return b, true, nil
}

// Set writes through a temp file and rename so readers never see a partial tile.
func (s *Store) Set(ctx context.Context, key string, val []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := s.write(key, val)
	observability.ObserveCacheOp(backend, "set", err, time.Since(start).Seconds())
	return err
}

func (s *Store) write(key string, val []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk tile cache: mkdir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".tile-*")
	if err != nil {
		return fmt.Errorf("disk tile cache: temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(val); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("disk tile cache: write %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("disk tile cache: close %q: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("disk tile cache: rename %q: %w", key, err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		p, err := s.path(k)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("disk tile cache: remove %q: %w", k, err)
		}
	}
	return nil
}

func (s *Store) DelPrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()
	n, err := s.delPrefix(ctx, prefix)
	observability.ObserveCacheOp(backend, "del_prefix", err, time.Since(start).Seconds())
	return n, err
}

func (s *Store) delPrefix(ctx context.Context, prefix string) (int, error) {
	rel := strings.ReplaceAll(prefix, ":", "/")
	if strings.Contains(rel, "..") {
		return 0, fmt.Errorf("disk tile cache: invalid prefix %q", prefix)
	}
	base := s.root
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = filepath.Join(s.root, filepath.FromSlash(rel[:i]))
	}

	n := 0
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tile-") {
			return nil
		}
		r, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(filepath.ToSlash(r), rel) {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("disk tile cache: purge %q: %w", prefix, err)
	}
	return n, nil
}

func (s *Store) Close() error { return nil }
