package align

import (
	"fmt"
	"math"
	"strings"
)

// Kernel selects how pixel values are estimated between grids.
type Kernel int

const (
	Bilinear Kernel = iota
	Nearest
	Cubic
	Average
	Lanczos
)

var kernelNames = map[Kernel]string{
	Nearest:  "nearest",
	Bilinear: "bilinear",
	Cubic:    "cubic",
	Average:  "average",
	Lanczos:  "lanczos",
}

func (k Kernel) String() string {
	if s, ok := kernelNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kernel(%d)", int(k))
}

// ParseKernel accepts a kernel name case-insensitively. The empty string
// selects Bilinear.
func ParseKernel(s string) (Kernel, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return Bilinear, nil
	}
	for k, n := range kernelNames {
		if n == name {
			return k, nil
		}
	}
	return Bilinear, fmt.Errorf("unknown resampling kernel %q", s)
}

// radius is the half-width, in source pixels, of the point kernels.
func (k Kernel) radius() int {
	switch k {
	case Bilinear:
		return 1
	case Cubic:
		return 2
	case Lanczos:
		return 3
	}
	return 1
}

// weight evaluates a point kernel at distance d from a sample centre.
func (k Kernel) weight(d float64) float64 {
	d = math.Abs(d)
	switch k {
	case Bilinear:
		return math.Max(0, 1-d)
	case Cubic:
		// Keys cubic convolution, a = -0.5.
		switch {
		case d <= 1:
			return 1.5*d*d*d - 2.5*d*d + 1
		case d < 2:
			return -0.5*d*d*d + 2.5*d*d - 4*d + 2
		}
		return 0
	case Lanczos:
		if d >= 3 {
			return 0
		}
		return sinc(d) * sinc(d/3)
	}
	return 0
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// tap is one source index contributing to an output pixel.
type tap struct {
	idx int
	w   float64
}

// snapEpsilon absorbs floating error when output and source samples coincide.
const snapEpsilon = 1e-9

// taps returns the contributions along one axis for an output pixel whose
// footprint spans [e0,e1) in source pixel-edge coordinates. n is the source
// size along that axis. No taps means the pixel falls outside the source.
func (k Kernel) taps(e0, e1 float64, n int, buf []tap) []tap {
	buf = buf[:0]
	if e0 > e1 {
		e0, e1 = e1, e0
	}
	if k == Average {
		first := max(0, int(math.Floor(e0)))
		last := min(n-1, int(math.Ceil(e1))-1)
		for i := first; i <= last; i++ {
			overlap := math.Min(e1, float64(i+1)) - math.Max(e0, float64(i))
			if overlap > 0 {
				buf = append(buf, tap{idx: i, w: overlap})
			}
		}
		return buf
	}

	center := (e0 + e1) / 2
	if center < 0 || center >= float64(n) {
		return buf
	}
	if k == Nearest {
		return append(buf, tap{idx: min(n-1, int(math.Floor(center))), w: 1})
	}

	s := center - 0.5
	if r := math.Round(s); math.Abs(s-r) < snapEpsilon {
		s = r
	}
	// Downsampling stretches the kernel over the output footprint.
	scale := max(1, e1-e0)
	base := int(math.Floor(s))
	rad := int(math.Ceil(float64(k.radius()) * scale))
	for i := base - rad + 1; i <= base+rad; i++ {
		w := k.weight((s - float64(i)) / scale)
		if w == 0 {
			continue
		}
		buf = append(buf, tap{idx: clampIndex(i, n), w: w})
	}
	return buf
}

func clampIndex(i, n int) int {
	return max(0, min(n-1, i))
}
