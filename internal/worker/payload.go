package worker

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

// TilePayload is the job payload for layer tiles (vector, raster, grid).
type TilePayload struct {
	Key     string       `json:"key"`
	LayerID string       `json:"layer_id"`
	Z       int          `json:"z"`
	X       int          `json:"x"`
	Y       int          `json:"y"`
	Format  model.Format `json:"format"`
}

func (p TilePayload) Coord() model.TileCoord { return model.TileCoord{Z: p.Z, X: p.X, Y: p.Y} }

func (p TilePayload) Validate() error {
	if strings.TrimSpace(p.LayerID) == "" || p.Key == "" {
		return fmt.Errorf("%w: tile payload missing layer id or key", model.ErrInvalidRequest)
	}
	if !p.Format.Valid() {
		return fmt.Errorf("%w: unsupported format %q", model.ErrInvalidRequest, p.Format)
	}
	_, err := model.ValidateCoord(&p.Z, &p.X, &p.Y)
	return err
}

// CubePayload carries the dataset location resolved from the status service
// so the worker does not call it again.
type CubePayload struct {
	Key       string       `json:"key"`
	CubeID    string       `json:"cube_id"`
	DatasetID string       `json:"dataset_id"`
	Database  string       `json:"database"`
	Table     string       `json:"table"`
	Z         int          `json:"z"`
	X         int          `json:"x"`
	Y         int          `json:"y"`
	Format    model.Format `json:"format"`
}

func (p CubePayload) Coord() model.TileCoord { return model.TileCoord{Z: p.Z, X: p.X, Y: p.Y} }

func (p CubePayload) Validate() error {
	if p.CubeID == "" || p.DatasetID == "" || p.Key == "" {
		return fmt.Errorf("%w: cube payload missing cube, dataset or key", model.ErrInvalidRequest)
	}
	if p.Table == "" {
		return fmt.Errorf("%w: cube payload missing table", model.ErrInvalidRequest)
	}
	if p.Format.Kind() != model.KindRaster {
		return fmt.Errorf("%w: cube tiles are raster only (got %q)", model.ErrInvalidRequest, p.Format)
	}
	_, err := model.ValidateCoord(&p.Z, &p.X, &p.Y)
	return err
}

type ProxyPayload struct {
	Key      string       `json:"key"`
	Provider string       `json:"provider"`
	Z        int          `json:"z"`
	X        int          `json:"x"`
	Y        int          `json:"y"`
	Format   model.Format `json:"format"`
}

func (p ProxyPayload) Coord() model.TileCoord { return model.TileCoord{Z: p.Z, X: p.X, Y: p.Y} }

func (p ProxyPayload) Validate() error {
	if p.Provider == "" || p.Key == "" {
		return fmt.Errorf("%w: proxy payload missing provider or key", model.ErrInvalidRequest)
	}
	_, err := model.ValidateCoord(&p.Z, &p.X, &p.Y)
	return err
}
