// Package render adapts the external render engine: the engine contract,
// an HTTP client for it, and the payloads served when rendering fails.
package render

import (
	"context"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/scene"
)

const (
	TileSize    = 256
	LayerBuffer = 64
	CubeBuffer  = 128
	GridRes     = 4
)

// Request is the per-tile render contract passed alongside the scene.
type Request struct {
	Kind           model.Kind   `json:"kind"`
	Extent         model.BBox   `json:"extent"`
	Width          int          `json:"width"`
	Height         int          `json:"height"`
	Buffer         int          `json:"buffer"`
	Format         model.Format `json:"format"`
	Quality        string       `json:"quality,omitempty"`
	GridFields     []string     `json:"grid_fields,omitempty"`
	GridResolution int          `json:"grid_resolution,omitempty"`
	// Mask is a TopoJSON clip applied to cube tiles.
	Mask []byte `json:"mask,omitempty"`
}

// Engine renders a compiled scene to tile bytes.
type Engine interface {
	Render(ctx context.Context, s *scene.Scene, req Request) ([]byte, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, s *scene.Scene, req Request) ([]byte, error)

func (f EngineFunc) Render(ctx context.Context, s *scene.Scene, req Request) ([]byte, error) {
	return f(ctx, s, req)
}
