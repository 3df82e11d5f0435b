// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strings"
)

// Kind selects the render pipeline and the cache key namespace.
type Kind string

const (
	KindRaster Kind = "raster"
	KindVector Kind = "vector"
	KindGrid   Kind = "grid"
	KindCube   Kind = "cube"
	KindProxy  Kind = "proxy"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPG  Format = "jpg"
	FormatWebP Format = "webp"
	FormatMVT  Format = "mvt"
	FormatPBF  Format = "pbf"
	FormatGrid Format = "grid.json"
)

var formats = map[Format]Kind{
	FormatPNG:  KindRaster,
	FormatJPG:  KindRaster,
	FormatWebP: KindRaster,
	FormatMVT:  KindVector,
	FormatPBF:  KindVector,
	FormatGrid: KindGrid,
}

// ParseFormat accepts the extension part of a tile path ("png", "grid.json").
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "jpeg" {
		f = FormatJPG
	}
	if _, ok := formats[f]; !ok {
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, s)
	}
	return f, nil
}

// Kind reports the render pipeline for a layer tile in this format.
func (f Format) Kind() Kind {
	return formats[f]
}

func (f Format) Valid() bool {
	_, ok := formats[f]
	return ok
}

func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatMVT, FormatPBF:
		return "application/x-protobuf"
	case FormatGrid:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// BBox is an envelope in the linear units of its projection (EPSG:3857 metres
// unless stated otherwise).
type BBox struct {
	West, South float64
	East, North float64
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

func (b BBox) Width() float64  { return b.East - b.West }
func (b BBox) Height() float64 { return b.North - b.South }

// TileRequest is a layer tile request. Coordinates are pointers so that a
// missing value can be told apart from zero.
type TileRequest struct {
	LayerID     string
	Z, X, Y     *int
	Format      Format
	AccessToken string
}

type CubeTileRequest struct {
	CubeID      string
	DatasetID   string
	Z, X, Y     *int
	Format      Format
	AccessToken string
}

type ProxyTileRequest struct {
	Provider string
	Z, X, Y  *int
	Format   Format
}

// TileCoord is a validated z/x/y triple.
type TileCoord struct {
	Z, X, Y int
}

func (c TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// MaxZoom bounds the accepted zoom level.
const MaxZoom = 30

// ValidateCoord checks presence and range of z/x/y. Zero is a valid value for
// every coordinate.
func ValidateCoord(z, x, y *int) (TileCoord, error) {
	var missing []string
	if z == nil {
		missing = append(missing, "z")
	}
	if x == nil {
		missing = append(missing, "x")
	}
	if y == nil {
		missing = append(missing, "y")
	}
	if len(missing) > 0 {
		return TileCoord{}, fmt.Errorf("%w: missing required field(s): %s",
			ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if *z < 0 || *z > MaxZoom {
		return TileCoord{}, fmt.Errorf("%w: z must be in [0,%d] (got %d)", ErrInvalidRequest, MaxZoom, *z)
	}
	n := 1 << uint(*z)
	if *x < 0 || *x >= n {
		return TileCoord{}, fmt.Errorf("%w: x must be in [0,%d) at z=%d (got %d)", ErrInvalidRequest, n, *z, *x)
	}
	if *y < 0 || *y >= n {
		return TileCoord{}, fmt.Errorf("%w: y must be in [0,%d) at z=%d (got %d)", ErrInvalidRequest, n, *z, *y)
	}
	return TileCoord{Z: *z, X: *x, Y: *y}, nil
}

// Validate checks a layer tile request and returns its coordinates.
func (r TileRequest) Validate() (TileCoord, error) {
	var missing []string
	if strings.TrimSpace(r.LayerID) == "" {
		missing = append(missing, "layerId")
	}
	if r.Z == nil {
		missing = append(missing, "z")
	}
	if r.X == nil {
		missing = append(missing, "x")
	}
	if r.Y == nil {
		missing = append(missing, "y")
	}
	if r.Format == "" {
		missing = append(missing, "format")
	}
	if len(missing) > 0 {
		return TileCoord{}, fmt.Errorf("%w: missing required field(s): %s",
			ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !r.Format.Valid() {
		return TileCoord{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, r.Format)
	}
	return ValidateCoord(r.Z, r.X, r.Y)
}

func (r CubeTileRequest) Validate() (TileCoord, error) {
	var missing []string
	if strings.TrimSpace(r.CubeID) == "" {
		missing = append(missing, "cubeId")
	}
	if strings.TrimSpace(r.DatasetID) == "" {
		missing = append(missing, "datasetId")
	}
	if len(missing) > 0 {
		return TileCoord{}, fmt.Errorf("%w: missing required field(s): %s",
			ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if r.Format != "" && r.Format.Kind() != KindRaster {
		return TileCoord{}, fmt.Errorf("%w: cube tiles are raster only (got %q)", ErrInvalidRequest, r.Format)
	}
	return ValidateCoord(r.Z, r.X, r.Y)
}

func (r ProxyTileRequest) Validate() (TileCoord, error) {
	if strings.TrimSpace(r.Provider) == "" {
		return TileCoord{}, fmt.Errorf("%w: missing required field(s): provider", ErrInvalidRequest)
	}
	return ValidateCoord(r.Z, r.X, r.Y)
}

// IntPtr is a small helper for building requests in code and tests.
func IntPtr(v int) *int { return &v }
