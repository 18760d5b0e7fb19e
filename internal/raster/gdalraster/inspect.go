package gdalraster

import (
	"github.com/airbusgeo/godal"

	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

// Inspect reports the metadata of the raster at path. The bounding box is
// left empty for rotated grids.
func Inspect(path string) (models.RasterMeta, error) {
	Register()
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return models.RasterMeta{}, raster.IOError("open "+path, err)
	}
	defer ds.Close()

	st := ds.Structure()
	meta := models.RasterMeta{
		Driver:     ds.Driver().ShortName(),
		XSize:      st.SizeX,
		YSize:      st.SizeY,
		Bands:      st.NBands,
		Projection: ds.Projection(),
	}
	bands := ds.Bands()
	if len(bands) > 0 {
		meta.DType = bands[0].Structure().DataType.String()
		if nd, ok := bands[0].NoData(); ok {
			meta.NoData = &nd
		}
	}
	if gt, err := ds.GeoTransform(); err == nil {
		meta.GeoTransform = gt[:]
		if g, err := raster.GridFromGeoTransform(gt, st.SizeX, st.SizeY, meta.Projection); err == nil {
			b := g.Bounds()
			meta.BBox = &models.BBox{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY}
		}
	}
	return meta, nil
}
