package worker

import (
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/scene"
)

// LayerDataSource builds the render data source for a layer tile. Vector
// layers read from their SQL as a subquery FROM item; raster layers read a
// band of their table with clipping, prescaling and overviews enabled.
func LayerDataSource(l *model.LayerDescriptor, bbox model.BBox) scene.DataSource {
	if l.Kind == model.DataRaster {
		ds := RasterDataSource(l.Source.Database, l.Source.Table, l.Band, bbox)
		ds.GeometryColumn = l.GeometryColumn
		ds.SRID = l.SRID
		return ds
	}
	return scene.DataSource{
		Type:           scene.SourceVector,
		Database:       l.Source.Database,
		Table:          l.Source.FromItem(),
		GeometryColumn: l.GeometryColumn,
		GeometryType:   l.GeometryType,
		SRID:           l.SRID,
		Extent:         bbox,
	}
}

func RasterDataSource(database, table string, band int, bbox model.BBox) scene.DataSource {
	return scene.DataSource{
		Type:           scene.SourceRaster,
		Database:       database,
		Table:          table,
		GeometryColumn: model.DefaultRasterColumn,
		SRID:           model.DefaultSRID,
		Band:           band,
		Extent:         bbox,
		Clip:           true,
		Prescale:       true,
		UseOverviews:   true,
	}
}
