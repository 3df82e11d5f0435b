package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/geo"
	"github.com/mohammed-shakir/tilecache/internal/hitevents"
	"github.com/mohammed-shakir/tilecache/internal/jobs"
	"github.com/mohammed-shakir/tilecache/internal/worker"
)

// GetCubeTile serves one dataset of a cube. Tiles that fall outside the
// dataset extent get the fallback without touching the dispatcher.
func (o *Orchestrator) GetCubeTile(ctx context.Context, req model.CubeTileRequest) (Tile, error) {
	if req.Format == "" {
		req.Format = model.FormatPNG
	}
	c, err := req.Validate()
	if err != nil {
		return Tile{}, err
	}
	ctx, span := o.d.Tracer.Start(ctx, "orchestrator.get_cube_tile", trace.WithAttributes(
		attribute.String("cube.id", req.CubeID),
		attribute.String("dataset.id", req.DatasetID),
		attribute.String("tile", c.String()),
	))
	defer span.End()

	if o.d.Cubes == nil || o.d.Status == nil {
		return o.fallback(ctx, model.KindCube, req.Format, fmt.Errorf("%w: %s", model.ErrNoSuchCube, req.CubeID)), nil
	}

	var (
		cube   *model.CubeDescriptor
		status *model.DatasetStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cube, err = o.d.Cubes.Get(gctx, req.CubeID)
		return err
	})
	g.Go(func() error {
		var err error
		status, err = o.d.Status.GetStatus(gctx, req.DatasetID, req.AccessToken)
		return err
	})
	if err := g.Wait(); err != nil {
		return o.fallback(ctx, model.KindCube, req.Format, err), nil
	}

	if _, ok := cube.Dataset(req.DatasetID); !ok {
		return o.fallback(ctx, model.KindCube, req.Format,
			fmt.Errorf("%w: %s not in %s", model.ErrNoSuchDataset, req.DatasetID, cube.ID)), nil
	}
	if !status.Ready() {
		return o.fallback(ctx, model.KindCube, req.Format,
			fmt.Errorf("%w: %s", model.ErrUpstreamNotReady, req.DatasetID)), nil
	}

	if !o.overlaps(status.Metadata, c, req.DatasetID) {
		span.SetAttributes(attribute.Bool("tile.outside_extent", true))
		return o.fallback(ctx, model.KindCube, req.Format, nil), nil
	}

	key := keys.CubeTile(cube.ID, req.DatasetID, keys.StyleFingerprint(cube.Style), c, req.Format)
	t := target{
		owner:   cube.ID,
		coord:   c,
		kind:    model.KindCube,
		jobType: jobs.TypeCube,
		key:     key,
		format:  req.Format,
		cache:   o.d.Tiles,
		payload: worker.CubePayload{
			Key: key, CubeID: cube.ID, DatasetID: req.DatasetID,
			Database: status.DatabaseName, Table: status.TableName,
			Z: c.Z, X: c.X, Y: c.Y, Format: req.Format,
		},
		event: func(outcome string) hitevents.Event {
			ev := hitevents.NewEvent(model.KindCube, cube.ID, key, c, outcome, 0)
			ev.Dataset = req.DatasetID
			return ev
		},
	}
	return o.serve(ctx, t), nil
}

// overlaps checks the dataset extent against the tile envelope. A missing
// or unreadable extent counts as overlapping so the tile is still rendered.
func (o *Orchestrator) overlaps(md model.DatasetMetadata, c model.TileCoord, datasetID string) bool {
	if len(md.Extent) == 0 {
		return true
	}
	ext, err := geo.ExtentBBox(md.Extent)
	if err != nil {
		o.log.Warn("dataset extent unreadable, rendering anyway",
			"dataset", datasetID, "err", err)
		return true
	}
	return geo.Intersects(ext, geo.TileBBox(c))
}
