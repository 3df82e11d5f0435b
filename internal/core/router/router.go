// Package router maps the public HTTP surface onto the orchestrators and the
// admin service.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tilecache/internal/admin"
	"github.com/mohammed-shakir/tilecache/internal/core/health"
	"github.com/mohammed-shakir/tilecache/internal/core/middleware"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
	"github.com/mohammed-shakir/tilecache/internal/datasource"
	mylog "github.com/mohammed-shakir/tilecache/internal/logger"
	"github.com/mohammed-shakir/tilecache/internal/orchestrator"
)

// Tiles serves the three tile families.
type Tiles interface {
	GetTile(ctx context.Context, req model.TileRequest) (orchestrator.Tile, error)
	GetCubeTile(ctx context.Context, req model.CubeTileRequest) (orchestrator.Tile, error)
	GetProxyTile(ctx context.Context, req model.ProxyTileRequest) (orchestrator.Tile, error)
}

type Layers interface {
	Get(ctx context.Context, id string) (*model.LayerDescriptor, error)
}

// Querier runs SQL against a tenant database.
type Querier interface {
	Query(ctx context.Context, database, sql string, args ...any) ([]map[string]any, error)
}

type Deps struct {
	Tiles      Tiles
	Admin      *admin.Service
	Layers     Layers
	Points     Querier
	Authorizer middleware.Authorizer
	Readiness  http.HandlerFunc
	Metrics    http.Handler
	Logger     *slog.Logger
}

// New builds the chi router. Probes and metrics bypass the authorizer.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Authorizer == nil {
		d.Authorizer = middleware.AllowAll{}
	}
	if d.Readiness == nil {
		d.Readiness = health.Readiness(nil, nil)
	}
	h := &handlers{d: d, log: d.Logger.With("component", "router")}

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.CORS())
	r.Use(instrument)

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", d.Readiness)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(d.Authorizer))
		r.Get("/tiles/{layerId}/{z}/{x}/{file}", h.layerTile)
		r.Get("/cubes/{id}/{datasetId}/{z}/{x}/{file}", h.cubeTile)
		r.Get("/proxy/{provider}/{z}/{x}/{file}", h.proxyTile)
		if d.Layers != nil && d.Points != nil {
			r.Get("/layers/{id}/point", h.point)
		}
		if d.Admin != nil {
			d.Admin.Routes(r)
		}
	})
	return r
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics under the matched route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	})
}

type handlers struct {
	d   Deps
	log *slog.Logger
}

func (h *handlers) layerTile(w http.ResponseWriter, r *http.Request) {
	z, x, y, ext, err := parseCoords(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req := model.TileRequest{
		LayerID:     chi.URLParam(r, "layerId"),
		Z:           z,
		X:           x,
		Y:           y,
		AccessToken: middleware.Token(r.Context()),
	}
	if ext != "" {
		if req.Format, err = model.ParseFormat(ext); err != nil {
			writeError(w, err)
			return
		}
	}
	t, err := h.d.Tiles.GetTile(r.Context(), req)
	h.respond(w, r, t, err)
}

func (h *handlers) cubeTile(w http.ResponseWriter, r *http.Request) {
	z, x, y, ext, err := parseCoords(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req := model.CubeTileRequest{
		CubeID:      chi.URLParam(r, "id"),
		DatasetID:   chi.URLParam(r, "datasetId"),
		Z:           z,
		X:           x,
		Y:           y,
		AccessToken: middleware.Token(r.Context()),
	}
	if ext != "" {
		if req.Format, err = model.ParseFormat(ext); err != nil {
			writeError(w, err)
			return
		}
	}
	t, err := h.d.Tiles.GetCubeTile(r.Context(), req)
	h.respond(w, r, t, err)
}

func (h *handlers) proxyTile(w http.ResponseWriter, r *http.Request) {
	z, x, y, ext, err := parseCoords(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req := model.ProxyTileRequest{Provider: chi.URLParam(r, "provider"), Z: z, X: x, Y: y}
	if ext != "" {
		if req.Format, err = model.ParseFormat(ext); err != nil {
			writeError(w, err)
			return
		}
	}
	t, err := h.d.Tiles.GetProxyTile(r.Context(), req)
	h.respond(w, r, t, err)
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request, t orchestrator.Tile, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	middleware.Annotate(r.Context(), t.CacheStatus, t.Key)
	ctx := mylog.WithHitClass(r.Context(), t.CacheStatus)
	if t.Cause != nil {
		h.log.WarnContext(ctx, "fallback tile served", "path", r.URL.Path, "err", t.Cause)
	}

	hdr := w.Header()
	hdr.Set("Content-Type", t.ContentType)
	if t.ContentEncoding != "" {
		hdr.Set("Content-Encoding", t.ContentEncoding)
	}
	hdr.Set("X-Cache", t.CacheStatus)
	if t.Fallback {
		hdr.Set("Cache-Control", "no-store")
	} else {
		hdr.Set("Cache-Control", "public, max-age=3600")
	}
	hdr.Set("Content-Length", strconv.Itoa(len(t.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(t.Body)
}

// parseCoords reads z and x from the path and splits the last segment at its
// first dot into y and the format extension ("340.grid.json").
func parseCoords(r *http.Request) (z, x, y *int, ext string, err error) {
	yPart, ext, _ := strings.Cut(chi.URLParam(r, "file"), ".")
	parse := func(name, v string) (*int, error) {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer (got %q)", model.ErrInvalidRequest, name, v)
		}
		return &n, nil
	}
	if z, err = parse("z", chi.URLParam(r, "z")); err != nil {
		return
	}
	if x, err = parse("x", chi.URLParam(r, "x")); err != nil {
		return
	}
	y, err = parse("y", yPart)
	return
}

func (h *handlers) point(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	if errLon != nil || errLat != nil || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		writeError(w, fmt.Errorf("%w: lon and lat must be valid WGS84 coordinates", model.ErrInvalidRequest))
		return
	}
	z := 14
	if v := q.Get("z"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > model.MaxZoom {
			writeError(w, fmt.Errorf("%w: z must be in [0,%d]", model.ErrInvalidRequest, model.MaxZoom))
			return
		}
		z = n
	}

	l, err := h.d.Layers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sql, tol, err := datasource.PointQuery(l, z)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.d.Points.Query(r.Context(), l.Source.Database, sql, lon, lat, tol)
	if err != nil {
		h.log.ErrorContext(r.Context(), "point query failed", "layer", l.ID, "err", err)
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"layer": l.ID, "features": rows})
}

func writeError(w http.ResponseWriter, err error) {
	ae := admin.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ae})
}
