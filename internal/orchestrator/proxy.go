package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/hitevents"
	"github.com/mohammed-shakir/tilecache/internal/jobs"
	"github.com/mohammed-shakir/tilecache/internal/worker"
)

// ErrUnknownProvider is returned for proxy requests naming a provider that
// is not in the catalogue.
var ErrUnknownProvider = errors.New("unknown tile provider")

// GetProxyTile serves a tile from an external provider through the proxy
// cache. An unknown provider is an invalid request.
func (o *Orchestrator) GetProxyTile(ctx context.Context, req model.ProxyTileRequest) (Tile, error) {
	c, err := req.Validate()
	if err != nil {
		return Tile{}, err
	}
	if o.d.Providers == nil {
		return Tile{}, fmt.Errorf("%w: %w %q", model.ErrInvalidRequest, ErrUnknownProvider, req.Provider)
	}
	p, ok := o.d.Providers.Provider(req.Provider)
	if !ok {
		return Tile{}, fmt.Errorf("%w: %w %q", model.ErrInvalidRequest, ErrUnknownProvider, req.Provider)
	}
	if req.Format == "" {
		req.Format = p.Format
	}
	ctx, span := o.d.Tracer.Start(ctx, "orchestrator.get_proxy_tile", trace.WithAttributes(
		attribute.String("proxy.provider", req.Provider),
		attribute.String("tile", c.String()),
	))
	defer span.End()

	key := keys.ProxyTile(req.Provider, c, req.Format)
	t := target{
		owner:   req.Provider,
		coord:   c,
		kind:    model.KindProxy,
		jobType: jobs.TypeProxy,
		key:     key,
		format:  req.Format,
		cache:   o.d.ProxyTiles,
		payload: worker.ProxyPayload{
			Key: key, Provider: req.Provider, Z: c.Z, X: c.X, Y: c.Y, Format: req.Format,
		},
		event: func(outcome string) hitevents.Event {
			return hitevents.NewEvent(model.KindProxy, req.Provider, key, c, outcome, 0)
		},
	}
	return o.serve(ctx, t), nil
}
