package raster

import (
	"fmt"
	"math"
	"strings"
)

// RotationEpsilon is the largest rotation term accepted in a geotransform.
const RotationEpsilon = 1e-12

// gridTolerance bounds the relative difference allowed between two grids that compare equal.
const gridTolerance = 1e-9

// Grid describes where every pixel of a raster sits in space. Only axis-aligned
// grids are represented; PixelHeight is negative for north-up rasters.
type Grid struct {
	OriginX     float64 `json:"origin_x"`
	OriginY     float64 `json:"origin_y"`
	PixelWidth  float64 `json:"pixel_width"`
	PixelHeight float64 `json:"pixel_height"`
	Cols        int     `json:"cols"`
	Rows        int     `json:"rows"`
	CRS         string  `json:"crs"`
}

// Bounds is an axis-aligned bounding box in grid coordinates.
type Bounds struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
}

// GridFromGeoTransform builds a Grid from a GDAL-ordered geotransform
// (originX, pixelW, rot1, originY, rot2, pixelH). Rotated transforms are rejected.
func GridFromGeoTransform(gt [6]float64, cols, rows int, crs string) (Grid, error) {
	if math.Abs(gt[2]) > RotationEpsilon || math.Abs(gt[4]) > RotationEpsilon {
		return Grid{}, fmt.Errorf("%w: rotated geotransform (%g, %g) is not supported", ErrGrid, gt[2], gt[4])
	}
	g := Grid{
		OriginX:     gt[0],
		PixelWidth:  gt[1],
		OriginY:     gt[3],
		PixelHeight: gt[5],
		Cols:        cols,
		Rows:        rows,
		CRS:         crs,
	}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// Validate reports ErrGrid for grids that cannot be georeferenced.
func (g Grid) Validate() error {
	if g.Cols <= 0 || g.Rows <= 0 {
		return fmt.Errorf("%w: empty grid %dx%d", ErrGrid, g.Cols, g.Rows)
	}
	for _, v := range []float64{g.OriginX, g.OriginY, g.PixelWidth, g.PixelHeight} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite geotransform", ErrGrid)
		}
	}
	if g.PixelWidth == 0 || g.PixelHeight == 0 {
		return fmt.Errorf("%w: zero pixel size", ErrGrid)
	}
	return nil
}

// GeoTransform returns the GDAL-ordered geotransform of g.
func (g Grid) GeoTransform() [6]float64 {
	return [6]float64{g.OriginX, g.PixelWidth, 0, g.OriginY, 0, g.PixelHeight}
}

// Bounds is computed directly from the geotransform, so it is exact for the
// pixel dimensions of g.
func (g Grid) Bounds() Bounds {
	x1 := g.OriginX + g.PixelWidth*float64(g.Cols)
	y1 := g.OriginY + g.PixelHeight*float64(g.Rows)
	return Bounds{
		MinX: math.Min(g.OriginX, x1),
		MinY: math.Min(g.OriginY, y1),
		MaxX: math.Max(g.OriginX, x1),
		MaxY: math.Max(g.OriginY, y1),
	}
}

// PixelCount is Cols*Rows.
func (g Grid) PixelCount() int {
	return g.Cols * g.Rows
}

// ToWorld maps fractional pixel coordinates to grid coordinates.
func (g Grid) ToWorld(col, row float64) (x, y float64) {
	return g.OriginX + col*g.PixelWidth, g.OriginY + row*g.PixelHeight
}

// ToPixel maps grid coordinates to fractional pixel coordinates.
func (g Grid) ToPixel(x, y float64) (col, row float64) {
	return (x - g.OriginX) / g.PixelWidth, (y - g.OriginY) / g.PixelHeight
}

// Equal reports whether both grids share origin, pixel size, dimensions and CRS.
func (g Grid) Equal(o Grid) bool {
	return g.Cols == o.Cols && g.Rows == o.Rows &&
		SameCRS(g.CRS, o.CRS) &&
		closeTo(g.OriginX, o.OriginX, g.PixelWidth) &&
		closeTo(g.OriginY, o.OriginY, g.PixelHeight) &&
		closeTo(g.PixelWidth, o.PixelWidth, g.PixelWidth) &&
		closeTo(g.PixelHeight, o.PixelHeight, g.PixelHeight)
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%d@(%g,%g) px(%g,%g)", g.Cols, g.Rows, g.OriginX, g.OriginY, g.PixelWidth, g.PixelHeight)
}

func closeTo(a, b, scale float64) bool {
	return math.Abs(a-b) <= gridTolerance*math.Max(1, math.Abs(scale))
}

// SameCRS compares two CRS definitions after whitespace normalization. An
// empty definition matches anything, since it carries no reference system to
// reconcile.
func SameCRS(a, b string) bool {
	a, b = normalizeCRS(a), normalizeCRS(b)
	return a == "" || b == "" || a == b
}

func normalizeCRS(s string) string {
	return strings.Join(strings.Fields(s), "")
}
