// Package raster defines the pixel-grid value types and the capability surface
// every engine component reads and writes rasters through.
package raster

import "fmt"

// DefaultBlockSize is used when a raster reports no native block size.
const DefaultBlockSize = 256

// Window is a sub-rectangle of a grid in pixel coordinates.
type Window struct {
	XOff   int
	YOff   int
	Width  int
	Height int
}

// Len is the number of pixels in w.
func (w Window) Len() int {
	return w.Width * w.Height
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", w.XOff, w.YOff, w.Width, w.Height)
}

// Within reports whether w lies entirely inside g.
func (w Window) Within(g Grid) bool {
	return w.XOff >= 0 && w.YOff >= 0 && w.Width > 0 && w.Height > 0 &&
		w.XOff+w.Width <= g.Cols && w.YOff+w.Height <= g.Rows
}

// Raster is an opaque handle on a raster artifact. Bands are 0-based. Block
// buffers are row-major float64 slices of length Window.Len(); writes are
// converted to the band's pixel type by the implementation.
//
// A Raster is owned by the operation using it and is never shared for
// concurrent writes across operations.
type Raster interface {
	Grid() Grid
	BandCount() int
	DataType(band int) DataType
	NoData(band int) (float64, bool)
	// BlockSize returns the native block size, or zeros when unknown.
	BlockSize() (int, int)
	ReadBlock(band int, w Window, dst []float64) error
	WriteBlock(band int, w Window, src []float64) error
	Close() error
}

// Pather is implemented by rasters backed by a file.
type Pather interface {
	Path() string
}

// Spec describes a raster to be created.
type Spec struct {
	Grid     Grid
	Bands    int
	DataType DataType
	NoData   *float64
}

// Factory creates writable rasters. Name is backend specific: a file path for
// file-backed factories, a key for in-memory ones.
type Factory interface {
	Create(name string, spec Spec) (Raster, error)
}

// Opener opens existing rasters read-only.
type Opener interface {
	Open(name string) (Raster, error)
}

// CheckRead validates a block request against r.
func CheckRead(r Raster, band int, w Window, buf []float64) error {
	if band < 0 || band >= r.BandCount() {
		return fmt.Errorf("%w: band %d out of range (bands=%d)", ErrInputShape, band, r.BandCount())
	}
	if !w.Within(r.Grid()) {
		return fmt.Errorf("%w: window %s outside grid %s", ErrIO, w, r.Grid())
	}
	if len(buf) < w.Len() {
		return fmt.Errorf("%w: buffer of %d values for window %s", ErrIO, len(buf), w)
	}
	return nil
}
