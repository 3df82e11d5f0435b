// Package layerstore persists layer descriptors as JSON documents keyed by
// layer id.
package layerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/kv"
)

// Namespace is the kv namespace descriptors live under.
const Namespace = "layers"

type Store struct {
	kv kv.Store
}

// New scopes s under the layers namespace.
func New(s kv.Store) *Store {
	return &Store{kv: kv.NewNamespace(s, Namespace)}
}

// Get returns model.ErrNoSuchLayer when id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*model.LayerDescriptor, error) {
	b, err := s.kv.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("layer %q: %w", id, model.ErrNoSuchLayer)
	}
	if err != nil {
		return nil, fmt.Errorf("layer %q: %w: %w", id, model.ErrStorage, err)
	}
	var l model.LayerDescriptor
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("layer %q: decode: %w: %w", id, model.ErrStorage, err)
	}
	return &l, nil
}

func (s *Store) Put(ctx context.Context, l *model.LayerDescriptor) error {
	if l == nil || l.ID == "" {
		return fmt.Errorf("%w: layer id is required", model.ErrInvalidRequest)
	}
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("layer %q: encode: %w", l.ID, err)
	}
	if err := s.kv.Set(ctx, l.ID, b); err != nil {
		return fmt.Errorf("layer %q: %w: %w", l.ID, model.ErrStorage, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Del(ctx, id); err != nil {
		return fmt.Errorf("layer %q: %w: %w", id, model.ErrStorage, err)
	}
	return nil
}

// IDs lists every stored layer id in lexical order.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	ids, err := s.kv.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list layers: %w: %w", model.ErrStorage, err)
	}
	sort.Strings(ids)
	return ids, nil
}
