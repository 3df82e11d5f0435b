package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// DataKind is the storage shape of a layer's source data.
type DataKind string

const (
	DataVector DataKind = "vector"
	DataRaster DataKind = "raster"
)

const (
	DefaultSRID         = 3857
	DefaultBand         = 0
	DefaultGeomColumn   = "the_geom_webmercator"
	DefaultRasterColumn = "the_raster_webmercator"
	LayerIDPrefix       = "layer-"
	CubeIDPrefix        = "cube-"
)

type DataSourceRef struct {
	Database string `json:"database"`
	Table    string `json:"table,omitempty"`
	SQL      string `json:"sql,omitempty"`
}

// SubqueryAlias names the subquery built around a bare SELECT.
const SubqueryAlias = "q"

var aliasRe = regexp.MustCompile(`(?i)^\s*(as\s+)?[a-z_][a-z0-9_]*\s*$`)

// FromItem returns the source as a FROM item. SQL already written as an
// aliased subquery, "(SELECT ...) AS sub", is used as is; a parenthesised
// query without alias gets one; a bare query is wrapped. With no SQL the
// table name is returned.
func (s DataSourceRef) FromItem() string {
	sql := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s.SQL), ";"))
	if sql == "" {
		return s.Table
	}
	if strings.HasPrefix(sql, "(") {
		if end := closingParen(sql); end > 0 {
			rest := sql[end+1:]
			if strings.TrimSpace(rest) == "" {
				return sql + " AS " + SubqueryAlias
			}
			if aliasRe.MatchString(rest) {
				return sql
			}
		}
	}
	return "(" + sql + ") AS " + SubqueryAlias
}

// closingParen returns the index of the parenthesis closing sql[0], skipping
// quoted literals and identifiers, or -1.
func closingParen(sql string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// DatasetMetadata is copied from the upstream dataset record. Extent is a
// GeoJSON geometry in EPSG:4326.
type DatasetMetadata struct {
	Extent json.RawMessage `json:"extent,omitempty"`
	Area   float64         `json:"area,omitempty"`
	Size   int64           `json:"size,omitempty"`
}

type LayerDescriptor struct {
	ID             string            `json:"id"`
	Source         DataSourceRef     `json:"source"`
	Style          string            `json:"style"`
	StyleVersion   string            `json:"style_version,omitempty"`
	GeometryColumn string            `json:"geometry_column,omitempty"`
	GeometryType   string            `json:"geometry_type,omitempty"`
	SRID           int               `json:"srid"`
	Band           int               `json:"band"`
	Kind           DataKind          `json:"kind"`
	AffectedTables []string          `json:"affected_tables,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Interactivity  []string          `json:"interactivity,omitempty"`
	Metadata       DatasetMetadata   `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ApplyDefaults fills SRID, band, geometry column and kind when unset.
func (l *LayerDescriptor) ApplyDefaults() {
	if l.SRID == 0 {
		l.SRID = DefaultSRID
	}
	if l.Band < 0 {
		l.Band = DefaultBand
	}
	if l.Kind == "" {
		l.Kind = DataVector
	}
	if l.GeometryColumn == "" {
		if l.Kind == DataRaster {
			l.GeometryColumn = DefaultRasterColumn
		} else {
			l.GeometryColumn = DefaultGeomColumn
		}
	}
}

type DatasetRef struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Granularity string    `json:"granularity,omitempty"`
}

type CubeDescriptor struct {
	ID        string          `json:"id"`
	Creator   string          `json:"creator"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Style     string          `json:"style"`
	Quality   string          `json:"quality,omitempty"`
	Datasets  []DatasetRef    `json:"datasets"`
	Mask      json.RawMessage `json:"mask,omitempty"`
}

// DefaultCubeQuality is a lossy 8-bit palette encoding.
const DefaultCubeQuality = "png8:m=h"

func (c *CubeDescriptor) QualityOrDefault() string {
	if c.Quality == "" {
		return DefaultCubeQuality
	}
	return c.Quality
}

// Dataset returns the dataset reference with the given id.
func (c *CubeDescriptor) Dataset(id string) (DatasetRef, bool) {
	for _, d := range c.Datasets {
		if d.ID == id {
			return d, true
		}
	}
	return DatasetRef{}, false
}

// DatasetStatus is the subset of the upstream upload/processing record the
// server consumes.
type DatasetStatus struct {
	UploadSuccess     bool            `json:"uploadSuccess"`
	ProcessingSuccess bool            `json:"processingSuccess"`
	DataType          string          `json:"dataType"`
	TableName         string          `json:"tableName"`
	DatabaseName      string          `json:"databaseName"`
	Metadata          DatasetMetadata `json:"metadata"`
}

// Ready reports whether the dataset has been uploaded and processed.
func (s DatasetStatus) Ready() bool {
	return s.UploadSuccess && s.ProcessingSuccess
}

// Kind maps the upstream data type onto a layer data kind.
func (s DatasetStatus) Kind() DataKind {
	if s.DataType == string(DataRaster) {
		return DataRaster
	}
	return DataVector
}
