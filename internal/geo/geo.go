// Package geo converts tile coordinates and dataset extents into EPSG:3857
// envelopes and tests them for overlap.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

// OriginShift is half the circumference of the spherical mercator world in metres.
const OriginShift = 20037508.342789244

// MaxLat is the latitude where spherical mercator is clipped.
const MaxLat = 85.0511287798066

// TileBBox returns the EPSG:3857 envelope of tile z/x/y. The tile edge halves
// at every zoom level; z=0 covers the whole world.
func TileBBox(c model.TileCoord) model.BBox {
	size := 2 * OriginShift / float64(uint64(1)<<uint(c.Z))
	west := -OriginShift + float64(c.X)*size
	north := OriginShift - float64(c.Y)*size
	return model.BBox{
		West:  west,
		South: north - size,
		East:  west + size,
		North: north,
	}
}

// TileCenter returns the lon/lat centre of a tile.
func TileCenter(c model.TileCoord) (lon, lat float64) {
	p := maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z)).Center()
	return p.Lon(), p.Lat()
}

// ToMercator projects a lon/lat point, clipping latitude to the mercator range.
func ToMercator(lon, lat float64) (x, y float64) {
	lat = math.Max(-MaxLat, math.Min(MaxLat, lat))
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1]
}

// BoundToMercator projects a lon/lat bound into an EPSG:3857 envelope.
func BoundToMercator(b orb.Bound) model.BBox {
	w, s := ToMercator(b.Min.Lon(), b.Min.Lat())
	e, n := ToMercator(b.Max.Lon(), b.Max.Lat())
	return model.BBox{West: w, South: s, East: e, North: n}
}

var errEmptyExtent = errors.New("extent is empty")

// ExtentBBox parses a GeoJSON geometry, feature or feature collection in
// EPSG:4326 and returns its envelope in EPSG:3857.
func ExtentBBox(raw json.RawMessage) (model.BBox, error) {
	if len(raw) == 0 {
		return model.BBox{}, errEmptyExtent
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return model.BBox{}, fmt.Errorf("decode extent: %w", err)
	}

	var (
		bound orb.Bound
		found bool
	)
	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return model.BBox{}, fmt.Errorf("decode extent collection: %w", err)
		}
		for _, f := range fc.Features {
			if f.Geometry == nil {
				continue
			}
			if !found {
				bound, found = f.Geometry.Bound(), true
				continue
			}
			bound = bound.Union(f.Geometry.Bound())
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return model.BBox{}, fmt.Errorf("decode extent feature: %w", err)
		}
		if f.Geometry != nil {
			bound, found = f.Geometry.Bound(), true
		}
	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return model.BBox{}, fmt.Errorf("decode extent geometry: %w", err)
		}
		if g.Geometry() != nil {
			bound, found = g.Geometry().Bound(), true
		}
	}
	if !found {
		return model.BBox{}, errEmptyExtent
	}
	return BoundToMercator(bound), nil
}

// Intersects reports whether two envelopes overlap. Touching edges count as
// overlap.
func Intersects(a, b model.BBox) bool {
	return !(a.North < b.South || a.East < b.West || a.South > b.North || a.West > b.East)
}
