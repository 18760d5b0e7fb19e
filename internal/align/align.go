// Package align resamples rasters onto an exact target grid.
package align

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/internal/tiling"
)

// Reprojector warps a raster whose CRS differs from the target grid's.
type Reprojector interface {
	Reproject(ctx context.Context, src raster.Raster, ref raster.Grid, k Kernel, name string) (raster.Raster, error)
}

// GridWarper is a Reprojector that also resamples same-CRS sources it can
// read directly. Align routes every such source through it.
type GridWarper interface {
	Reprojector
	Warps(src raster.Raster) bool
}

// Aligner produces rasters whose grid is exactly a reference grid. Callers
// see a pure function: the source is only read and every call creates a new
// output through the factory.
type Aligner struct {
	factory     raster.Factory
	reprojector Reprojector
	proc        *tiling.Processor
	logger      *slog.Logger
}

type Option func(*Aligner)

// WithReprojector enables alignment of sources in a different CRS.
func WithReprojector(r Reprojector) Option {
	return func(a *Aligner) {
		a.reprojector = r
	}
}

// WithProcessor sets the block driver, e.g. a parallel one.
func WithProcessor(p *tiling.Processor) Option {
	return func(a *Aligner) {
		a.proc = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aligner) {
		a.logger = l
	}
}

// New creates an Aligner writing its outputs through f.
func New(f raster.Factory, opts ...Option) *Aligner {
	a := &Aligner{factory: f, proc: tiling.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Align resamples src onto ref with kernel k and returns the new raster,
// created under name. The output has ref's origin, pixel size, dimensions and
// CRS, and src's band count and pixel type.
func (a *Aligner) Align(ctx context.Context, src raster.Raster, ref raster.Grid, k Kernel, name string) (raster.Raster, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("reference grid: %w", err)
	}
	sg := src.Grid()
	if err := sg.Validate(); err != nil {
		return nil, fmt.Errorf("source grid: %w", err)
	}
	if src.BandCount() < 1 {
		return nil, fmt.Errorf("%w: source has no bands", raster.ErrInputShape)
	}

	sameCRS := raster.SameCRS(sg.CRS, ref.CRS)
	if !sameCRS && a.reprojector == nil {
		return nil, fmt.Errorf("%w: source CRS does not match reference CRS", raster.ErrGrid)
	}
	if !sameCRS || a.warps(src) {
		a.logger.Debug("warping source", "name", name, "kernel", k.String(), "same_crs", sameCRS)
		out, err := a.reprojector.Reproject(ctx, src, ref, k, name)
		if err != nil {
			return nil, fmt.Errorf("reproject %s: %w", name, err)
		}
		if !out.Grid().Equal(ref) {
			out.Close()
			return nil, fmt.Errorf("%w: reprojected grid %s does not match reference %s", raster.ErrGrid, out.Grid(), ref)
		}
		return out, nil
	}

	spec := raster.Spec{Grid: ref, Bands: src.BandCount(), DataType: src.DataType(0)}
	if nd, ok := src.NoData(0); ok {
		spec.NoData = &nd
	}
	dst, err := a.factory.Create(name, spec)
	if err != nil {
		return nil, raster.IOError("create "+name, err)
	}

	r := resampler{src: src, srcGrid: sg, ref: ref, kernel: k}
	bw, bh := tiling.BlockSize(dst)
	err = a.proc.Run(ctx, ref, bw, bh, func(_ context.Context, w raster.Window) error {
		return r.block(dst, w)
	})
	if err != nil {
		dst.Close()
		return nil, fmt.Errorf("align %s: %w", name, err)
	}
	a.logger.Debug("aligned raster", "name", name, "kernel", k.String(), "grid", ref.String())
	return dst, nil
}

// minWeight is the smallest kernel weight sum that still yields a value.
const minWeight = 1e-9

func (a *Aligner) warps(src raster.Raster) bool {
	gw, ok := a.reprojector.(GridWarper)
	return ok && gw.Warps(src)
}

// resampler is the in-process path for rasters no warper can read, such as
// in-memory ones. No-data taps are skipped and the remaining weights
// renormalized.
type resampler struct {
	src     raster.Raster
	srcGrid raster.Grid
	ref     raster.Grid
	kernel  Kernel
}

// axisTaps computes the taps of every output column (or row) of a window.
// from/size select the output range; the affine map converts an output
// pixel edge to a source pixel edge.
func (r *resampler) axisTaps(from, size, n int, edge func(i int) float64) (taps [][]tap, lo, hi int) {
	taps = make([][]tap, size)
	lo, hi = math.MaxInt, -1
	for i := 0; i < size; i++ {
		t := r.kernel.taps(edge(from+i), edge(from+i+1), n, nil)
		taps[i] = t
		for _, tp := range t {
			lo = min(lo, tp.idx)
			hi = max(hi, tp.idx)
		}
	}
	return taps, lo, hi
}

func (r *resampler) block(dst raster.Raster, w raster.Window) error {
	sg, ref := r.srcGrid, r.ref
	colTaps, c0, c1 := r.axisTaps(w.XOff, w.Width, sg.Cols, func(c int) float64 {
		x, _ := ref.ToWorld(float64(c), 0)
		u, _ := sg.ToPixel(x, sg.OriginY)
		return u
	})
	rowTaps, r0, r1 := r.axisTaps(w.YOff, w.Height, sg.Rows, func(row int) float64 {
		_, y := ref.ToWorld(0, float64(row))
		_, v := sg.ToPixel(sg.OriginX, y)
		return v
	})

	out := make([]float64, w.Len())
	var src []float64
	var sw raster.Window
	if c1 >= 0 && r1 >= 0 {
		sw = raster.Window{XOff: c0, YOff: r0, Width: c1 - c0 + 1, Height: r1 - r0 + 1}
		src = make([]float64, sw.Len())
	}

	for b := 0; b < r.src.BandCount(); b++ {
		fill, hasND := r.src.NoData(b)
		if src != nil {
			if err := r.src.ReadBlock(b, sw, src); err != nil {
				return raster.IOError(fmt.Sprintf("read source band %d", b), err)
			}
		}
		for y := 0; y < w.Height; y++ {
			rt := rowTaps[y]
			for x := 0; x < w.Width; x++ {
				ct := colTaps[x]
				if len(rt) == 0 || len(ct) == 0 {
					out[y*w.Width+x] = fill
					continue
				}
				var sum, wsum float64
				for _, ry := range rt {
					off := (ry.idx - sw.YOff) * sw.Width
					for _, cx := range ct {
						v := src[off+cx.idx-sw.XOff]
						if math.IsNaN(v) || (hasND && v == fill) {
							continue
						}
						wt := ry.w * cx.w
						sum += wt * v
						wsum += wt
					}
				}
				if math.Abs(wsum) < minWeight {
					out[y*w.Width+x] = fill
					continue
				}
				out[y*w.Width+x] = sum / wsum
			}
		}
		if err := dst.WriteBlock(b, w, out); err != nil {
			return raster.IOError(fmt.Sprintf("write band %d", b), err)
		}
	}
	return nil
}
