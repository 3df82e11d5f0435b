// Package cubestore persists cube descriptors and applies the dataset, mask
// and style mutations administrators make to them.
package cubestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/kv"
)

const Namespace = "cubes"

type Store struct {
	kv  kv.Store
	now func() time.Time
	// serialises read-modify-write mutations within this process
	mu sync.Mutex
}

func New(s kv.Store) *Store {
	return &Store{kv: kv.NewNamespace(s, Namespace), now: time.Now}
}

func (s *Store) Get(ctx context.Context, id string) (*model.CubeDescriptor, error) {
	b, err := s.kv.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("cube %q: %w", id, model.ErrNoSuchCube)
	}
	if err != nil {
		return nil, fmt.Errorf("cube %q: %w: %w", id, model.ErrStorage, err)
	}
	var c model.CubeDescriptor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("cube %q: decode: %w: %w", id, model.ErrStorage, err)
	}
	return &c, nil
}

func (s *Store) Put(ctx context.Context, c *model.CubeDescriptor) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: cube id is required", model.ErrInvalidRequest)
	}
	if c.Datasets == nil {
		c.Datasets = []model.DatasetRef{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("cube %q: encode: %w", c.ID, err)
	}
	if err := s.kv.Set(ctx, c.ID, b); err != nil {
		return fmt.Errorf("cube %q: %w: %w", c.ID, model.ErrStorage, err)
	}
	return nil
}

// Update loads the cube, applies fn, stamps UpdatedAt and saves it.
func (s *Store) Update(ctx context.Context, id string, fn func(*model.CubeDescriptor) error) (*model.CubeDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now().UTC()
	if err := s.Put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddDataset appends d, replacing an existing entry with the same id.
func (s *Store) AddDataset(ctx context.Context, id string, d model.DatasetRef) (*model.CubeDescriptor, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: dataset id is required", model.ErrInvalidRequest)
	}
	return s.Update(ctx, id, func(c *model.CubeDescriptor) error {
		for i := range c.Datasets {
			if c.Datasets[i].ID == d.ID {
				c.Datasets[i] = d
				return nil
			}
		}
		c.Datasets = append(c.Datasets, d)
		return nil
	})
}

func (s *Store) RemoveDataset(ctx context.Context, id, datasetID string) (*model.CubeDescriptor, error) {
	return s.Update(ctx, id, func(c *model.CubeDescriptor) error {
		out := c.Datasets[:0]
		found := false
		for _, d := range c.Datasets {
			if d.ID == datasetID {
				found = true
				continue
			}
			out = append(out, d)
		}
		if !found {
			return fmt.Errorf("cube %q dataset %q: %w", id, datasetID, model.ErrNoSuchDataset)
		}
		c.Datasets = out
		return nil
	})
}

func (s *Store) ReplaceDatasets(ctx context.Context, id string, ds []model.DatasetRef) (*model.CubeDescriptor, error) {
	seen := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: dataset id is required", model.ErrInvalidRequest)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate dataset id %q", model.ErrInvalidRequest, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return s.Update(ctx, id, func(c *model.CubeDescriptor) error {
		c.Datasets = append([]model.DatasetRef{}, ds...)
		return nil
	})
}

// SetMask stores a TopoJSON mask. An empty mask clears it.
func (s *Store) SetMask(ctx context.Context, id string, mask json.RawMessage) (*model.CubeDescriptor, error) {
	if len(mask) > 0 && !json.Valid(mask) {
		return nil, fmt.Errorf("%w: mask is not valid JSON", model.ErrInvalidRequest)
	}
	return s.Update(ctx, id, func(c *model.CubeDescriptor) error {
		c.Mask = mask
		return nil
	})
}

func (s *Store) SetStyle(ctx context.Context, id, style, quality string) (*model.CubeDescriptor, error) {
	return s.Update(ctx, id, func(c *model.CubeDescriptor) error {
		c.Style = style
		if quality != "" {
			c.Quality = quality
		}
		return nil
	})
}
