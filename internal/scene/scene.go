// Package scene compiles a layer style and its data source into the render
// scene handed to the render engine.
package scene

import (
	"fmt"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

// Data source types understood by the render engine.
const (
	SourceVector = "postgis"
	SourceRaster = "pgraster"
)

// DataSource describes where the renderer reads features or pixels from.
type DataSource struct {
	Type           string     `json:"type"`
	Database       string     `json:"dbname"`
	Table          string     `json:"table"`
	GeometryColumn string     `json:"geometry_field,omitempty"`
	GeometryType   string     `json:"geometry_type,omitempty"`
	SRID           int        `json:"srid"`
	Band           int        `json:"band,omitempty"`
	Extent         model.BBox `json:"extent"`
	Clip           bool       `json:"clip_rasters,omitempty"`
	Prescale       bool       `json:"prescale_rasters,omitempty"`
	UseOverviews   bool       `json:"use_overviews,omitempty"`
}

type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Filter is a zoom or attribute condition such as [zoom>=10].
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Rule is one styled selector. Attachment names a "::name" draw pass; rules
// sharing an attachment are drawn together.
type Rule struct {
	Selector   string     `json:"selector"`
	Attachment string     `json:"attachment,omitempty"`
	Filters    []Filter   `json:"filters,omitempty"`
	Properties []Property `json:"properties"`
}

type Layer struct {
	Name       string     `json:"name"`
	DataSource DataSource `json:"datasource"`
	Rules      []Rule     `json:"rules"`
}

type Scene struct {
	SRS     string     `json:"srs"`
	Version string     `json:"version,omitempty"`
	Map     []Property `json:"map,omitempty"`
	Layers  []Layer    `json:"layers"`
}

// Compiler turns style source into a Scene. Implementations must be pure.
type Compiler interface {
	Compile(style, version string, ds DataSource) (*Scene, error)
}

// CompileError carries the position of a style syntax error. It matches
// model.ErrStyleCompile under errors.Is.
type CompileError struct {
	Line   int
	Column int
	Msg    string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("style:%d:%d: %s", e.Line, e.Column, e.Msg)
}

func (e *CompileError) Unwrap() error { return model.ErrStyleCompile }

// WebMercator is the output SRS of every scene.
const WebMercator = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0.0 +k=1.0 +units=m +nadgrids=@null +wktext +no_defs +over"

// LayerName is the scene layer every style rule binds to.
const LayerName = "layer0"

// DefaultStyle is compiled in place of a blank style.
const DefaultStyle = "#layer0 {}"
