package gdalraster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/airbusgeo/godal"

	"github.com/kiranshivaraju/rasterops/internal/align"
	"github.com/kiranshivaraju/rasterops/internal/raster"
)

// Warper resamples file-backed rasters onto a reference grid with GDAL warp,
// across CRSs or within one. It satisfies align.GridWarper.
type Warper struct{}

func NewWarper() *Warper {
	Register()
	return &Warper{}
}

// Warps reports whether src is a GDAL dataset Reproject can read directly.
func (w *Warper) Warps(src raster.Raster) bool {
	_, ok := src.(*Dataset)
	return ok
}

// Reproject writes src resampled onto ref to the GeoTIFF at name. Source
// no-data pixels are excluded from the kernels and the output carries the
// same no-data value.
func (w *Warper) Reproject(ctx context.Context, src raster.Raster, ref raster.Grid, k align.Kernel, name string) (raster.Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.CRS == "" && src.Grid().CRS != "" {
		return nil, fmt.Errorf("%w: reference grid has no crs", raster.ErrGrid)
	}
	switches := warpSwitches(ref, k)
	if nd, ok := src.NoData(0); ok {
		v := strconv.FormatFloat(nd, 'g', -1, 64)
		switches = append(switches, "-srcnodata", v, "-dstnodata", v)
	}

	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, raster.IOError("create directory for "+name, err)
	}
	_ = os.Remove(name)

	var (
		out *godal.Dataset
		err error
	)
	switch s := src.(type) {
	case *Dataset:
		// Warp from the live handle so blocks written but not yet flushed are seen.
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is closed", raster.ErrIO, s.path)
		}
		out, err = s.ds.Warp(name, switches, godal.CreationOption(creationOptions...))
		s.mu.Unlock()
	case raster.Pather:
		if s.Path() == "" {
			return nil, fmt.Errorf("%w: reprojection needs a file-backed source", raster.ErrIO)
		}
		var ds *godal.Dataset
		if ds, err = godal.Open(s.Path(), godal.RasterOnly()); err != nil {
			return nil, raster.IOError("open "+s.Path(), err)
		}
		out, err = ds.Warp(name, switches, godal.CreationOption(creationOptions...))
		_ = ds.Close()
	default:
		return nil, fmt.Errorf("%w: reprojection needs a file-backed source", raster.ErrIO)
	}
	if err != nil {
		return nil, raster.IOError("warp to "+name, err)
	}

	d, err := wrap(out, name)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	return d, nil
}

func warpSwitches(ref raster.Grid, k align.Kernel) []string {
	b := ref.Bounds()
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	sw := []string{"-of", "GTiff"}
	if ref.CRS != "" {
		sw = append(sw, "-t_srs", ref.CRS)
	}
	return append(sw,
		"-te", f(b.MinX), f(b.MinY), f(b.MaxX), f(b.MaxY),
		"-ts", strconv.Itoa(ref.Cols), strconv.Itoa(ref.Rows),
		"-r", k.String(),
	)
}
