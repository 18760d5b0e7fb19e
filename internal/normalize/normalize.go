// Package normalize maps pixel values between their native range and the
// [0,1] working range used by the fusion engine.
package normalize

import (
	"fmt"
	"math"
	"sort"

	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/internal/tiling"
)

const (
	lowPercentile  = 0.02
	highPercentile = 0.98
	// minSpread is the smallest percentile spread treated as non-degenerate.
	minSpread = 1e-12
)

// Method is how one band's native values reach [0,1].
type Method int

const (
	// Scale divides by the type maximum.
	Scale Method = iota
	// Stretch maps the 2nd..98th percentile range of each block onto [0,1].
	Stretch
)

// MethodFor picks the mapping for values of type dt whose smallest finite
// value is minValue. Unsigned types always scale. Signed integer types scale
// while they hold no negative value. Everything else stretches.
func MethodFor(dt raster.DataType, minValue float64) Method {
	switch {
	case dt.IsUnsigned():
		return Scale
	case dt.IsInteger() && minValue >= 0:
		return Scale
	}
	return Stretch
}

// BandMethod scans a whole band once and returns its mapping, so every block
// of the band is normalized the same way.
func BandMethod(r raster.Raster, band int) (Method, error) {
	dt := r.DataType(band)
	if dt.IsUnsigned() || !dt.IsInteger() {
		return MethodFor(dt, 0), nil
	}
	g := r.Grid()
	bw, bh := tiling.BlockSize(r)
	minValue := math.Inf(1)
	for w := range tiling.Windows(g, bw, bh) {
		buf := make([]float64, w.Len())
		if err := r.ReadBlock(band, w, buf); err != nil {
			return Stretch, raster.IOError(fmt.Sprintf("scan band %d", band), err)
		}
		minValue = math.Min(minValue, finiteMin(buf))
	}
	return MethodFor(dt, minValue), nil
}

// ToUnit maps a block of native values to [0,1], choosing the method from
// the block itself. Callers normalizing a raster block by block should pick
// the method once with BandMethod and use Apply.
//
// A degenerate percentile spread yields an all-zero block. Non-finite values
// never enter the percentiles. After mapping, NaN and -Inf become 0 and +Inf
// becomes 1.
func ToUnit(block []float64, dt raster.DataType) []float64 {
	return Apply(block, dt, MethodFor(dt, finiteMin(block)))
}

// Apply maps block to [0,1] with m.
func Apply(block []float64, dt raster.DataType, m Method) []float64 {
	if m == Scale && dt.IsInteger() {
		return scale(block, dt)
	}
	return stretch(block)
}

// FromUnit maps unit values to dt. Values are clipped to [0,1] first. Integer
// types are scaled by their maximum and rounded; float types pass through.
func FromUnit(unit []float64, dt raster.DataType) []float64 {
	out := make([]float64, len(unit))
	if !dt.IsInteger() {
		for i, v := range unit {
			out[i] = Clip01(v)
		}
		return out
	}
	_, hi := dt.Range()
	for i, v := range unit {
		out[i] = math.Round(Clip01(v) * hi)
	}
	return out
}

// Clip01 clamps v to [0,1], sending NaN to 0.
func Clip01(v float64) float64 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 1:
		return 1
	}
	return v
}

func scale(block []float64, dt raster.DataType) []float64 {
	_, hi := dt.Range()
	out := make([]float64, len(block))
	for i, v := range block {
		out[i] = Clip01(v / hi)
	}
	return out
}

func finiteMin(block []float64) float64 {
	m := math.Inf(1)
	for _, v := range block {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v < m {
			m = v
		}
	}
	return m
}

func stretch(block []float64) []float64 {
	out := make([]float64, len(block))
	lo, hi, ok := Percentiles(block)
	if !ok || hi-lo < minSpread {
		return out
	}
	span := hi - lo
	for i, v := range block {
		out[i] = Clip01((v - lo) / span)
	}
	return out
}

// Percentiles returns the 2nd and 98th percentiles of the finite values of
// block, interpolating linearly between closest ranks (h = (n-1)p). ok is
// false when block has no finite value.
func Percentiles(block []float64) (lo, hi float64, ok bool) {
	finite := make([]float64, 0, len(block))
	for _, v := range block {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return 0, 0, false
	}
	sort.Float64s(finite)
	return quantile(finite, lowPercentile), quantile(finite, highPercentile), true
}

// quantile interpolates the p-quantile of sorted at rank (n-1)p.
func quantile(sorted []float64, p float64) float64 {
	h := float64(len(sorted)-1) * p
	i := int(math.Floor(h))
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (h-float64(i))*(sorted[i+1]-sorted[i])
}
