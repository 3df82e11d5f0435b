// Package orchestrator serves tiles: cache first, otherwise enqueue a render
// job, wait for it and read the result back from the cache. Every path that
// gets past request validation ends in tile bytes or a fallback payload.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
	"github.com/mohammed-shakir/tilecache/internal/hitevents"
	"github.com/mohammed-shakir/tilecache/internal/hotness"
	"github.com/mohammed-shakir/tilecache/internal/jobs"
	mylog "github.com/mohammed-shakir/tilecache/internal/logger"
	"github.com/mohammed-shakir/tilecache/internal/proxy"
	"github.com/mohammed-shakir/tilecache/internal/render"
	"github.com/mohammed-shakir/tilecache/internal/upstream"
	"github.com/mohammed-shakir/tilecache/internal/worker"
)

// DefaultHotThreshold is the decayed request count above which a region is hot.
const DefaultHotThreshold = 10

const (
	StatusHit      = "hit"
	StatusMiss     = "miss"
	StatusFallback = "fallback"
)

// Tile is a response body ready to be written.
type Tile struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	CacheStatus     string
	Key             string
	Fallback        bool
	// Cause explains why a fallback was served. It is nil for a tile outside
	// the dataset extent.
	Cause error
}

// Enqueuer is the dispatcher surface the orchestrator uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, t jobs.Type, dedupKey string, payload any, opts jobs.EnqueueOptions) (*jobs.Handle, error)
}

// Providers looks up proxy catalogue entries.
type Providers interface {
	Provider(name string) (proxy.Provider, bool)
}

type Deps struct {
	Layers     worker.LayerSource
	Cubes      worker.CubeSource
	Status     upstream.StatusClient
	Tiles      cache.TileCache
	ProxyTiles cache.TileCache
	Jobs       Enqueuer
	Providers  Providers
	Fallbacks  render.Fallbacks
	Events     hitevents.Sink
	Logger     *slog.Logger
	Tracer     trace.Tracer

	// Hotness, when set, renders misses in busy regions ahead of the rest.
	// Without it every miss is enqueued at high priority.
	Hotness       *hotness.Tracker
	HotThreshold  float64
	HotResolution int
}

type Orchestrator struct {
	d   Deps
	log *slog.Logger
}

func New(d Deps) (*Orchestrator, error) {
	if d.Tiles == nil || d.Jobs == nil {
		return nil, errors.New("orchestrator: tile cache and dispatcher are required")
	}
	if d.Fallbacks.Raster == nil {
		fb, err := render.DefaultFallbacks()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: fallbacks: %w", err)
		}
		d.Fallbacks = fb
	}
	if d.ProxyTiles == nil {
		d.ProxyTiles = d.Tiles
	}
	if d.Events == nil {
		d.Events = hitevents.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("tilecache/orchestrator")
	}
	if d.HotThreshold <= 0 {
		d.HotThreshold = DefaultHotThreshold
	}
	if d.HotResolution <= 0 {
		d.HotResolution = hotness.DefaultResolution
	}
	return &Orchestrator{d: d, log: d.Logger.With("component", "orchestrator")}, nil
}

// GetTile serves a layer tile. Only ErrInvalidRequest is returned as an
// error; every other failure produces a fallback Tile with Cause set.
func (o *Orchestrator) GetTile(ctx context.Context, req model.TileRequest) (Tile, error) {
	c, err := req.Validate()
	if err != nil {
		return Tile{}, err
	}
	kind := req.Format.Kind()
	ctx, span := o.d.Tracer.Start(ctx, "orchestrator.get_tile", trace.WithAttributes(
		attribute.String("layer.id", req.LayerID),
		attribute.String("tile", c.String()),
		attribute.String("tile.format", string(req.Format)),
	))
	defer span.End()

	if o.d.Layers == nil {
		return o.fallback(ctx, kind, req.Format, fmt.Errorf("%w: %s", model.ErrNoSuchLayer, req.LayerID)), nil
	}
	layer, err := o.d.Layers.Get(ctx, req.LayerID)
	if err != nil {
		return o.fallback(ctx, kind, req.Format, err), nil
	}

	key := keys.Tile(layer.ID, c, req.Format)
	t := target{
		kind:    kind,
		owner:   layer.ID,
		coord:   c,
		jobType: jobTypeFor(kind),
		key:     key,
		format:  req.Format,
		cache:   o.d.Tiles,
		payload: worker.TilePayload{
			Key: key, LayerID: layer.ID, Z: c.Z, X: c.X, Y: c.Y, Format: req.Format,
		},
		event: func(outcome string) hitevents.Event {
			return hitevents.NewEvent(kind, layer.ID, key, c, outcome, 0)
		},
	}
	return o.serve(ctx, t), nil
}

type target struct {
	kind    model.Kind
	owner   string
	coord   model.TileCoord
	jobType jobs.Type
	key     string
	format  model.Format
	cache   cache.TileCache
	payload any
	event   func(outcome string) hitevents.Event
}

// serve runs cache lookup, enqueue, wait and re-read for one tile.
func (o *Orchestrator) serve(ctx context.Context, t target) Tile {
	tile := o.resolve(mylog.WithTileKey(ctx, t.key), t)
	tile.Key = t.key
	return tile
}

func (o *Orchestrator) resolve(ctx context.Context, t target) Tile {
	body, ok, err := t.cache.Get(ctx, t.key)
	if err != nil {
		o.log.WarnContext(ctx, "cache read failed, treating as miss", "err", err)
	}
	if ok {
		observability.IncTile(string(t.kind), observability.OutcomeHit)
		o.d.Events.Publish(t.event(hitevents.OutcomeHit))
		return o.tile(t.kind, t.format, body, StatusHit)
	}

	// Only misses heat a region; hits never reach the queue.
	prio := jobs.PriorityHigh
	if o.d.Hotness != nil {
		score := o.d.Hotness.Inc(hotness.Region(t.owner, t.coord, o.d.HotResolution))
		if score < o.d.HotThreshold {
			prio = jobs.PriorityNormal
		}
	}

	h, err := o.d.Jobs.Enqueue(ctx, t.jobType, t.key, t.payload, jobs.EnqueueOptions{Priority: prio})
	if err != nil {
		return o.fallback(ctx, t.kind, t.format, fmt.Errorf("enqueue %s: %w", t.key, err))
	}
	if err := h.Wait(ctx); err != nil {
		return o.fallback(ctx, t.kind, t.format, fmt.Errorf("render %s: %w", t.key, err))
	}

	body, ok, err = t.cache.Get(ctx, t.key)
	if err != nil || !ok {
		if err == nil {
			err = model.ErrNotFound
		}
		return o.fallback(ctx, t.kind, t.format, fmt.Errorf("read back %s: %w", t.key, err))
	}
	observability.IncTile(string(t.kind), observability.OutcomeMiss)
	return o.tile(t.kind, t.format, body, StatusMiss)
}

func (o *Orchestrator) tile(kind model.Kind, f model.Format, body []byte, status string) Tile {
	t := Tile{Body: body, ContentType: f.ContentType(), CacheStatus: status}
	if kind == model.KindVector || render.IsGzip(body) {
		t.ContentEncoding = "gzip"
	}
	return t
}

func (o *Orchestrator) fallback(ctx context.Context, kind model.Kind, f model.Format, cause error) Tile {
	observability.IncTile(string(kind), observability.OutcomeFallback)
	if cause != nil {
		o.log.WarnContext(ctx, "serving fallback tile", "kind", kind, "format", f, "err", cause)
	}
	body, ct, enc := o.d.Fallbacks.For(f)
	return Tile{
		Body:            body,
		ContentType:     ct,
		ContentEncoding: enc,
		CacheStatus:     StatusFallback,
		Fallback:        true,
		Cause:           cause,
	}
}

func jobTypeFor(k model.Kind) jobs.Type {
	switch k {
	case model.KindVector:
		return jobs.TypeVector
	case model.KindGrid:
		return jobs.TypeGrid
	default:
		return jobs.TypeRaster
	}
}
