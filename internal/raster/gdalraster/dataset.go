// Package gdalraster backs raster.Raster with GDAL datasets through godal.
package gdalraster

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/kiranshivaraju/rasterops/internal/raster"
)

var registerOnce sync.Once

// Register loads the GDAL drivers. It is safe to call more than once.
func Register() {
	registerOnce.Do(godal.RegisterAll)
}

// creationOptions are applied to every GeoTIFF written by this package.
var creationOptions = []string{
	"TILED=YES",
	"COMPRESS=DEFLATE",
	"PREDICTOR=2",
	"BIGTIFF=IF_SAFER",
}

var toGodal = map[raster.DataType]godal.DataType{
	raster.Byte:    godal.Byte,
	raster.UInt16:  godal.UInt16,
	raster.Int16:   godal.Int16,
	raster.UInt32:  godal.UInt32,
	raster.Int32:   godal.Int32,
	raster.Float32: godal.Float32,
	raster.Float64: godal.Float64,
}

func fromGodal(dt godal.DataType) raster.DataType {
	for k, v := range toGodal {
		if v == dt {
			return k
		}
	}
	return raster.Unknown
}

// Dataset is a raster.Raster over a GDAL dataset. GDAL handles are not safe
// for concurrent use, so every band access is serialized.
type Dataset struct {
	mu     sync.Mutex
	ds     *godal.Dataset
	path   string
	grid   raster.Grid
	bands  []godal.Band
	dtypes []raster.DataType
	blockW int
	blockH int
	closed bool
}

func wrap(ds *godal.Dataset, path string) (*Dataset, error) {
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no geotransform: %v", raster.ErrGrid, path, err)
	}
	grid, err := raster.GridFromGeoTransform(gt, st.SizeX, st.SizeY, ds.Projection())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d := &Dataset{
		ds:     ds,
		path:   path,
		grid:   grid,
		bands:  ds.Bands(),
		blockW: st.BlockSizeX,
		blockH: st.BlockSizeY,
	}
	for _, b := range d.bands {
		d.dtypes = append(d.dtypes, fromGodal(b.Structure().DataType))
	}
	return d, nil
}

func (d *Dataset) Path() string          { return d.path }
func (d *Dataset) Grid() raster.Grid     { return d.grid }
func (d *Dataset) BandCount() int        { return len(d.bands) }
func (d *Dataset) BlockSize() (int, int) { return d.blockW, d.blockH }
func (d *Dataset) DataType(b int) raster.DataType {
	if b < 0 || b >= len(d.dtypes) {
		return raster.Unknown
	}
	return d.dtypes[b]
}

func (d *Dataset) NoData(b int) (float64, bool) {
	if b < 0 || b >= len(d.bands) {
		return 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bands[b].NoData()
}

func (d *Dataset) ReadBlock(b int, w raster.Window, dst []float64) error {
	if err := raster.CheckRead(d, b, w, dst); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: %s is closed", raster.ErrIO, d.path)
	}
	if err := d.bands[b].Read(w.XOff, w.YOff, dst[:w.Len()], w.Width, w.Height); err != nil {
		return raster.IOError(fmt.Sprintf("read %s band %d %s", d.path, b+1, w), err)
	}
	return nil
}

func (d *Dataset) WriteBlock(b int, w raster.Window, src []float64) error {
	if err := raster.CheckRead(d, b, w, src); err != nil {
		return err
	}
	dt := d.dtypes[b]
	buf := make([]float64, w.Len())
	for i, v := range src[:w.Len()] {
		buf[i] = dt.Quantize(v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: %s is closed", raster.ErrIO, d.path)
	}
	if err := d.bands[b].Write(w.XOff, w.YOff, buf, w.Width, w.Height); err != nil {
		return raster.IOError(fmt.Sprintf("write %s band %d %s", d.path, b+1, w), err)
	}
	return nil
}

// Close flushes pending writes and releases the GDAL handle.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.ds.Close(); err != nil {
		return raster.IOError("close "+d.path, err)
	}
	return nil
}

// Backend opens and creates GeoTIFF files. It satisfies raster.Factory and
// raster.Opener.
type Backend struct{}

func NewBackend() *Backend {
	Register()
	return &Backend{}
}

// Open opens path read-only.
func (b *Backend) Open(path string) (raster.Raster, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, raster.IOError("open "+path, err)
	}
	d, err := wrap(ds, path)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	return d, nil
}

// Create writes a new tiled GeoTIFF at path, replacing any existing file.
func (b *Backend) Create(path string, spec raster.Spec) (raster.Raster, error) {
	if err := spec.Grid.Validate(); err != nil {
		return nil, err
	}
	dt, ok := toGodal[spec.DataType]
	if !ok || spec.Bands <= 0 {
		return nil, fmt.Errorf("%w: cannot create %d bands of %s", raster.ErrInputShape, spec.Bands, spec.DataType)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, raster.IOError("create directory for "+path, err)
	}
	_ = os.Remove(path)

	ds, err := godal.Create(godal.GTiff, path, spec.Bands, dt, spec.Grid.Cols, spec.Grid.Rows,
		godal.CreationOption(creationOptions...))
	if err != nil {
		return nil, raster.IOError("create "+path, err)
	}
	if err := georeference(ds, spec); err != nil {
		_ = ds.Close()
		return nil, err
	}
	d, err := wrap(ds, path)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	return d, nil
}

func georeference(ds *godal.Dataset, spec raster.Spec) error {
	if err := ds.SetGeoTransform(spec.Grid.GeoTransform()); err != nil {
		return raster.IOError("set geotransform", err)
	}
	if spec.Grid.CRS != "" {
		sr, err := godal.NewSpatialRef(spec.Grid.CRS)
		if err != nil {
			return fmt.Errorf("%w: unusable crs: %v", raster.ErrGrid, err)
		}
		defer sr.Close()
		if err := ds.SetSpatialRef(sr); err != nil {
			return raster.IOError("set crs", err)
		}
	}
	if spec.NoData != nil {
		for _, band := range ds.Bands() {
			if err := band.SetNoData(*spec.NoData); err != nil {
				return raster.IOError("set nodata", err)
			}
		}
	}
	return nil
}
