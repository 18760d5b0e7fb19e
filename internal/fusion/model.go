package fusion

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/kiranshivaraju/rasterops/internal/normalize"
	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/internal/tiling"
)

// minStd is the smallest column deviation used for standardization; flatter
// columns are divided by one instead.
const minStd = 1e-8

// Model maps standardized spectral values to unit-range RGB. It is immutable
// once returned by Fit.
type Model struct {
	Mean    []float64
	Std     []float64
	Weights *mat.Dense // B×3
}

// Bands is the number of spectral bands the model expects.
func (m *Model) Bands() int {
	return len(m.Mean)
}

// Predict returns the unit-range RGB estimate for one pixel's spectral values.
func (m *Model) Predict(values []float64) [3]float64 {
	var out [3]float64
	for b, v := range values {
		z := (v - m.Mean[b]) / m.Std[b]
		for c := range out {
			out[c] += z * m.Weights.At(b, c)
		}
	}
	return out
}

// predictBlock standardizes x (pixels×B) in place and returns x·W.
func (m *Model) predictBlock(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		for b := 0; b < cols; b++ {
			row[b] = (row[b] - m.Mean[b]) / m.Std[b]
		}
	}
	var pred mat.Dense
	pred.Mul(x, m.Weights)
	return &pred
}

// Fit draws min(maxSamples, N) distinct pixels of hs with rng and solves the
// ridge regression (XᵗX + λI)W = XᵗY, where X holds the standardized hs
// values and Y the rgbLow values at the same pixels, mapped to unit range
// over each whole band. hs and rgbLow must share a grid.
func Fit(ctx context.Context, hs, rgbLow raster.Raster, lambda float64, maxSamples int, rng *rand.Rand) (*Model, error) {
	if lambda <= 0 {
		return nil, fmt.Errorf("%w: lambda must be positive, got %g", raster.ErrInputShape, lambda)
	}
	if maxSamples <= 0 {
		return nil, fmt.Errorf("%w: max samples must be positive, got %d", raster.ErrInputShape, maxSamples)
	}
	g := hs.Grid()
	if !g.Equal(rgbLow.Grid()) {
		return nil, fmt.Errorf("%w: fit inputs are on different grids", raster.ErrGrid)
	}
	nb := hs.BandCount()
	if nb < 1 {
		return nil, fmt.Errorf("%w: spectral source has no bands", raster.ErrInputShape)
	}
	if rgbLow.BandCount() < 3 {
		return nil, fmt.Errorf("%w: reference has %d bands, need 3", raster.ErrInputShape, rgbLow.BandCount())
	}

	idx := sampleIndices(rng, g.PixelCount(), maxSamples)
	n := len(idx)
	x := mat.NewDense(n, nb, nil)
	var ys [3][]float64
	for c := range ys {
		ys[c] = make([]float64, n)
	}

	// Read full-width strips so each pixel is fetched with its neighbours.
	_, bh := tiling.BlockSize(hs)
	k := 0
	for w := range tiling.Windows(g, g.Cols, bh) {
		if k == n {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start, end := w.YOff*g.Cols, (w.YOff+w.Height)*g.Cols
		first := k
		for k < n && idx[k] < end {
			k++
		}
		if first == k {
			continue
		}
		buf := make([]float64, w.Len())
		for b := 0; b < nb; b++ {
			if err := hs.ReadBlock(b, w, buf); err != nil {
				return nil, raster.IOError(fmt.Sprintf("read spectral band %d", b), err)
			}
			for i := first; i < k; i++ {
				x.Set(i, b, buf[idx[i]-start])
			}
		}
	}

	// Y is normalized over the whole band so the scale does not depend on
	// which pixels were drawn.
	for c := range ys {
		unit, err := unitBand(ctx, rgbLow, c)
		if err != nil {
			return nil, err
		}
		for i, p := range idx {
			ys[c][i] = unit[p]
		}
	}

	m := &Model{Mean: make([]float64, nb), Std: make([]float64, nb)}
	col := make([]float64, n)
	for b := 0; b < nb; b++ {
		mat.Col(col, b, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < minStd {
			std = 1
		}
		m.Mean[b], m.Std[b] = mean, std
		for i, v := range col {
			col[i] = (v - mean) / std
		}
		x.SetCol(b, col)
	}

	y := mat.NewDense(n, 3, nil)
	for c := range ys {
		y.SetCol(c, ys[c])
	}

	w, err := solveRidge(x, y, lambda)
	if err != nil {
		return nil, err
	}
	m.Weights = w
	return m, nil
}

// unitBand reads one band of r in full and maps it to unit range.
func unitBand(ctx context.Context, r raster.Raster, band int) ([]float64, error) {
	g := r.Grid()
	vals := make([]float64, g.PixelCount())
	_, bh := tiling.BlockSize(r)
	for w := range tiling.Windows(g, g.Cols, bh) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := w.YOff * g.Cols
		if err := r.ReadBlock(band, w, vals[start:start+w.Len()]); err != nil {
			return nil, raster.IOError(fmt.Sprintf("read reference band %d", band), err)
		}
	}
	return normalize.ToUnit(vals, r.DataType(band)), nil
}

func solveRidge(x, y *mat.Dense, lambda float64) (*mat.Dense, error) {
	_, nb := x.Dims()
	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	for i := 0; i < nb; i++ {
		xtx.SetSym(i, i, xtx.At(i, i)+lambda)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, fmt.Errorf("%w: regression matrix is not positive definite", raster.ErrInputShape)
	}
	var xty mat.Dense
	xty.Mul(x.T(), y)
	var w mat.Dense
	if err := chol.SolveTo(&w, &xty); err != nil {
		return nil, fmt.Errorf("%w: ridge solve: %w", raster.ErrInputShape, err)
	}
	return &w, nil
}

// sampleIndices draws min(k, n) distinct values from [0,n) with a partial
// Fisher-Yates shuffle and returns them in ascending order.
func sampleIndices(rng *rand.Rand, n, k int) []int {
	k = min(k, n)
	swapped := make(map[int]int, k)
	at := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		j := i + rng.IntN(n-i)
		out[i] = at(j)
		swapped[j] = at(i)
	}
	slices.Sort(out)
	return out
}
