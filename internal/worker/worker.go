// Package worker holds the job handlers that turn a tile job into cached
// bytes: load descriptor, compile style, render, persist.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
	"github.com/mohammed-shakir/tilecache/internal/geo"
	"github.com/mohammed-shakir/tilecache/internal/hitevents"
	"github.com/mohammed-shakir/tilecache/internal/jobs"
	"github.com/mohammed-shakir/tilecache/internal/render"
	"github.com/mohammed-shakir/tilecache/internal/scene"
)

type LayerSource interface {
	Get(ctx context.Context, id string) (*model.LayerDescriptor, error)
}

type CubeSource interface {
	Get(ctx context.Context, id string) (*model.CubeDescriptor, error)
}

// Fetcher retrieves a tile from an external provider.
type Fetcher interface {
	Fetch(ctx context.Context, provider string, c model.TileCoord) ([]byte, error)
}

type Deps struct {
	Layers     LayerSource
	Cubes      CubeSource
	Tiles      cache.TileCache
	ProxyTiles cache.TileCache
	Compiler   scene.Compiler
	Engine     render.Engine
	Proxy      Fetcher
	Events     hitevents.Sink
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

type Worker struct {
	d   Deps
	log *slog.Logger
}

func New(d Deps) *Worker {
	if d.Compiler == nil {
		d.Compiler = scene.Builtin{}
	}
	if d.Events == nil {
		d.Events = hitevents.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("tilecache/worker")
	}
	if d.ProxyTiles == nil {
		d.ProxyTiles = d.Tiles
	}
	return &Worker{d: d, log: d.Logger.With("component", "worker")}
}

// Register installs a handler for every job type the worker serves. Types
// whose dependencies are missing are skipped.
func (w *Worker) Register(disp *jobs.Dispatcher) {
	if w.d.Layers != nil {
		disp.Register(jobs.TypeVector, w.HandleTile)
		disp.Register(jobs.TypeRaster, w.HandleTile)
		disp.Register(jobs.TypeGrid, w.HandleTile)
	}
	if w.d.Cubes != nil {
		disp.Register(jobs.TypeCube, w.HandleCube)
	}
	if w.d.Proxy != nil {
		disp.Register(jobs.TypeProxy, w.HandleProxy)
	}
}

// HandleTile renders a layer tile.
func (w *Worker) HandleTile(ctx context.Context, j *jobs.Job) (err error) {
	var p TilePayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	ctx, span := w.d.Tracer.Start(ctx, "worker.render_tile", trace.WithAttributes(
		attribute.String("tile.key", p.Key),
		attribute.String("layer.id", p.LayerID),
		attribute.Int("job.attempt", j.Attempts),
	))
	defer func() { endSpan(span, err) }()

	if w.cached(ctx, w.d.Tiles, p.Key) {
		return nil
	}

	layer, err := w.d.Layers.Get(ctx, p.LayerID)
	if err != nil {
		if errors.Is(err, model.ErrNoSuchLayer) {
			return jobs.Permanent(err)
		}
		return err
	}
	layer.ApplyDefaults()

	c := p.Coord()
	bbox := geo.TileBBox(c)
	kind := p.Format.Kind()
	ds := LayerDataSource(layer, bbox)

	sc, err := w.d.Compiler.Compile(layer.Style, layer.StyleVersion, ds)
	if err != nil {
		return jobs.Permanent(fmt.Errorf("compile style for %s: %w", layer.ID, err))
	}

	req := render.Request{
		Kind:   kind,
		Extent: bbox,
		Width:  render.TileSize,
		Height: render.TileSize,
		Buffer: render.LayerBuffer,
		Format: p.Format,
	}
	if kind == model.KindGrid {
		req.GridFields = layer.Interactivity
		req.GridResolution = render.GridRes
	}

	body, err := w.render(ctx, sc, req)
	if err != nil {
		return err
	}
	if err := w.persist(ctx, w.d.Tiles, p.Key, body); err != nil {
		return err
	}
	w.d.Events.Publish(hitevents.NewEvent(kind, layer.ID, p.Key, c, hitevents.OutcomeRendered, 0))
	w.log.DebugContext(ctx, "tile rendered", "key", p.Key, "bytes", len(body))
	return nil
}

// HandleCube renders one dataset of a cube with the cube's style.
func (w *Worker) HandleCube(ctx context.Context, j *jobs.Job) (err error) {
	var p CubePayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	ctx, span := w.d.Tracer.Start(ctx, "worker.render_cube_tile", trace.WithAttributes(
		attribute.String("tile.key", p.Key),
		attribute.String("cube.id", p.CubeID),
		attribute.String("dataset.id", p.DatasetID),
	))
	defer func() { endSpan(span, err) }()

	if w.cached(ctx, w.d.Tiles, p.Key) {
		return nil
	}

	cube, err := w.d.Cubes.Get(ctx, p.CubeID)
	if err != nil {
		if errors.Is(err, model.ErrNoSuchCube) {
			return jobs.Permanent(err)
		}
		return err
	}
	if _, ok := cube.Dataset(p.DatasetID); !ok {
		return jobs.Permanent(fmt.Errorf("%w: %s in %s", model.ErrNoSuchDataset, p.DatasetID, p.CubeID))
	}

	c := p.Coord()
	bbox := geo.TileBBox(c)
	ds := RasterDataSource(p.Database, p.Table, model.DefaultBand, bbox)
	sc, err := w.d.Compiler.Compile(cube.Style, "", ds)
	if err != nil {
		return jobs.Permanent(fmt.Errorf("compile style for %s: %w", cube.ID, err))
	}

	body, err := w.render(ctx, sc, render.Request{
		Kind:    model.KindCube,
		Extent:  bbox,
		Width:   render.TileSize,
		Height:  render.TileSize,
		Buffer:  render.CubeBuffer,
		Format:  p.Format,
		Quality: cube.QualityOrDefault(),
		Mask:    cube.Mask,
	})
	if err != nil {
		return err
	}
	if err := w.persist(ctx, w.d.Tiles, p.Key, body); err != nil {
		return err
	}
	ev := hitevents.NewEvent(model.KindCube, cube.ID, p.Key, c, hitevents.OutcomeRendered, 0)
	ev.Dataset = p.DatasetID
	w.d.Events.Publish(ev)
	return nil
}

// HandleProxy fetches a tile from an external provider into the proxy cache.
func (w *Worker) HandleProxy(ctx context.Context, j *jobs.Job) (err error) {
	var p ProxyPayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	ctx, span := w.d.Tracer.Start(ctx, "worker.proxy_tile", trace.WithAttributes(
		attribute.String("tile.key", p.Key),
		attribute.String("proxy.provider", p.Provider),
	))
	defer func() { endSpan(span, err) }()

	if w.cached(ctx, w.d.ProxyTiles, p.Key) {
		return nil
	}
	start := time.Now()
	body, err := w.d.Proxy.Fetch(ctx, p.Provider, p.Coord())
	observability.ObserveRender(string(model.KindProxy), err, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, model.ErrInvalidRequest) {
			return jobs.Permanent(err)
		}
		return err
	}
	return w.persist(ctx, w.d.ProxyTiles, p.Key, body)
}

func (w *Worker) render(ctx context.Context, sc *scene.Scene, req render.Request) ([]byte, error) {
	start := time.Now()
	body, err := w.d.Engine.Render(ctx, sc, req)
	observability.ObserveRender(string(req.Kind), err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", req.Kind, err)
	}
	if req.Kind == model.KindVector {
		if body, err = render.Gzip(body); err != nil {
			return nil, fmt.Errorf("compress vector tile: %w", err)
		}
	}
	return body, nil
}

// cached reports whether key is already present. Read errors count as a
// miss so the tile is rendered again.
func (w *Worker) cached(ctx context.Context, tc cache.TileCache, key string) bool {
	_, ok, err := tc.Get(ctx, key)
	if err != nil {
		w.log.WarnContext(ctx, "cache read failed, rendering", "key", key, "err", err)
		return false
	}
	if ok {
		w.log.DebugContext(ctx, "tile already cached, skipping render", "key", key)
	}
	return ok
}

func (w *Worker) persist(ctx context.Context, tc cache.TileCache, key string, body []byte) error {
	if err := tc.Set(ctx, key, body); err != nil {
		return fmt.Errorf("%w: persist %s: %w", model.ErrStorage, key, err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
