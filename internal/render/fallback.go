package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"sync"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/scene"
)

// EmptyGrid is the interactivity grid served for an unrenderable tile.
var EmptyGrid = []byte(`{"grid":[],"keys":[],"data":{}}`)

// Fallbacks holds the bytes served when a tile cannot be produced.
type Fallbacks struct {
	Raster []byte
	Vector []byte // gzip-encoded
	Grid   []byte
}

var defaults = sync.OnceValues(func() (Fallbacks, error) {
	raster, err := blankPNG(TileSize, TileSize)
	if err != nil {
		return Fallbacks{}, err
	}
	vector, err := emptyMVT(scene.LayerName)
	if err != nil {
		return Fallbacks{}, err
	}
	return Fallbacks{Raster: raster, Vector: vector, Grid: EmptyGrid}, nil
})

// DefaultFallbacks returns a transparent 256x256 PNG, an empty gzipped
// vector tile and an empty grid.
func DefaultFallbacks() (Fallbacks, error) {
	return defaults()
}

// LoadFallbacks starts from the defaults and replaces the raster tile with
// the contents of rasterPath when set.
func LoadFallbacks(rasterPath string) (Fallbacks, error) {
	fb, err := DefaultFallbacks()
	if err != nil {
		return Fallbacks{}, err
	}
	if rasterPath == "" {
		return fb, nil
	}
	b, err := os.ReadFile(rasterPath)
	if err != nil {
		return Fallbacks{}, fmt.Errorf("read empty tile %q: %w", rasterPath, err)
	}
	fb.Raster = b
	return fb, nil
}

// For returns the fallback body, content type and content encoding for a format.
func (f Fallbacks) For(format model.Format) (body []byte, contentType, encoding string) {
	switch format.Kind() {
	case model.KindVector:
		return f.Vector, format.ContentType(), "gzip"
	case model.KindGrid:
		return f.Grid, format.ContentType(), ""
	default:
		return f.Raster, model.FormatPNG.ContentType(), ""
	}
}

func blankPNG(w, h int) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode blank png: %w", err)
	}
	return buf.Bytes(), nil
}

func emptyMVT(layer string) ([]byte, error) {
	layers := mvt.Layers{mvt.NewLayer(layer, geojson.NewFeatureCollection())}
	raw, err := mvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("encode empty mvt: %w", err)
	}
	return Gzip(raw)
}
