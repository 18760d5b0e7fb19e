// Package fusion sharpens a low-resolution spectral image with a
// high-resolution RGB reference through ridge-regression fusion.
package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/kiranshivaraju/rasterops/internal/align"
	"github.com/kiranshivaraju/rasterops/internal/normalize"
	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/internal/tiling"
)

// DefaultSeed makes repeated fits on identical inputs reproducible.
const DefaultSeed uint64 = 20260110

// Params tune one fusion run.
type Params struct {
	Alpha      float64
	Lambda     float64
	MaxSamples int
	OutType    raster.DataType
}

// DefaultParams returns the documented request defaults.
func DefaultParams() Params {
	return Params{Alpha: 1.0, Lambda: 0.001, MaxSamples: 200000, OutType: raster.Byte}
}

// Request names the inputs and destinations of a fusion run. Intermediate
// rasters are created through Scratch under ScratchDir and closed before
// Fuse returns; removing them is the caller's job.
type Request struct {
	HS         raster.Raster
	RGB        raster.Raster
	Params     Params
	Output     raster.Factory
	OutputName string
	Scratch    raster.Factory
	ScratchDir string
}

// Result is a finished fusion.
type Result struct {
	Raster raster.Raster
	Model  *Model
}

// Engine runs fusions. It keeps no per-run state and may be shared.
type Engine struct {
	seed        uint64
	reprojector align.Reprojector
	proc        *tiling.Processor
	blockSize   int
	logger      *slog.Logger
}

type Option func(*Engine)

// WithSeed sets the sampling seed.
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.seed = seed
	}
}

func WithReprojector(r align.Reprojector) Option {
	return func(e *Engine) {
		e.reprojector = r
	}
}

func WithProcessor(p *tiling.Processor) Option {
	return func(e *Engine) {
		e.proc = p
	}
}

// WithBlockSize overrides the native block size of the reference raster.
func WithBlockSize(n int) Option {
	return func(e *Engine) {
		e.blockSize = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{seed: DefaultSeed, proc: tiling.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fuse produces a 3-band raster on the RGB grid combining the regression
// prediction from HS with alpha times the RGB high-frequency detail.
func (e *Engine) Fuse(ctx context.Context, req Request) (*Result, error) {
	p := req.Params
	if req.HS.BandCount() < 1 {
		return nil, fmt.Errorf("%w: spectral source has no bands", raster.ErrInputShape)
	}
	if req.RGB.BandCount() < 3 {
		return nil, fmt.Errorf("%w: reference has %d bands, need 3", raster.ErrInputShape, req.RGB.BandCount())
	}
	if p.OutType == raster.Unknown {
		return nil, fmt.Errorf("%w: output type not set", raster.ErrInputShape)
	}
	if p.Lambda <= 0 {
		return nil, fmt.Errorf("%w: lambda must be positive, got %g", raster.ErrInputShape, p.Lambda)
	}
	hsGrid, rgbGrid := req.HS.Grid(), req.RGB.Grid()
	if err := hsGrid.Validate(); err != nil {
		return nil, fmt.Errorf("spectral source: %w", err)
	}
	if err := rgbGrid.Validate(); err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	start := time.Now()
	aligner := align.New(req.Scratch,
		align.WithReprojector(e.reprojector),
		align.WithProcessor(e.proc),
		align.WithLogger(e.logger),
	)
	scratch := func(name string) string { return filepath.Join(req.ScratchDir, name) }

	var intermediates []raster.Raster
	defer func() {
		for _, r := range intermediates {
			r.Close()
		}
	}()

	rgbLowRes, err := aligner.Align(ctx, req.RGB, hsGrid, align.Average, scratch("rgb_lowres.tif"))
	if err != nil {
		return nil, fmt.Errorf("downsample reference: %w", err)
	}
	intermediates = append(intermediates, rgbLowRes)

	rgbLowPass, err := aligner.Align(ctx, rgbLowRes, rgbGrid, align.Bilinear, scratch("rgb_lowpass.tif"))
	if err != nil {
		return nil, fmt.Errorf("upsample reference: %w", err)
	}
	intermediates = append(intermediates, rgbLowPass)

	hsHighRes, err := aligner.Align(ctx, req.HS, rgbGrid, align.Bilinear, scratch("hs_highres.tif"))
	if err != nil {
		return nil, fmt.Errorf("upsample spectral source: %w", err)
	}
	intermediates = append(intermediates, hsHighRes)

	rng := rand.New(rand.NewPCG(e.seed, e.seed))
	model, err := Fit(ctx, req.HS, rgbLowRes, p.Lambda, p.MaxSamples, rng)
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}
	e.logger.Info("fusion model fitted",
		"bands", model.Bands(),
		"samples", min(p.MaxSamples, hsGrid.PixelCount()),
		"lambda", p.Lambda,
	)

	out, err := req.Output.Create(req.OutputName, raster.Spec{Grid: rgbGrid, Bands: 3, DataType: p.OutType})
	if err != nil {
		return nil, raster.IOError("create "+req.OutputName, err)
	}

	pr := predictor{model: model, alpha: p.Alpha, outType: p.OutType, hs: hsHighRes, rgb: req.RGB, lowPass: rgbLowPass, out: out}
	for c := range pr.methods {
		// The low-pass copy shares the reference band's mapping so the
		// detail term compares like with like.
		if pr.methods[c], err = normalize.BandMethod(req.RGB, c); err != nil {
			out.Close()
			return nil, fmt.Errorf("normalize reference: %w", err)
		}
	}
	bw, bh := tiling.BlockSize(req.RGB)
	if e.blockSize > 0 {
		bw, bh = e.blockSize, e.blockSize
	}
	err = e.proc.Run(ctx, rgbGrid, bw, bh, func(_ context.Context, w raster.Window) error {
		return pr.block(w)
	})
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("predict: %w", err)
	}

	e.logger.Info("fusion completed",
		"output", req.OutputName,
		"alpha", p.Alpha,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Result{Raster: out, Model: model}, nil
}

type predictor struct {
	model   *Model
	alpha   float64
	outType raster.DataType
	hs      raster.Raster
	rgb     raster.Raster
	lowPass raster.Raster
	out     raster.Raster
	methods [3]normalize.Method
}

func (p *predictor) block(w raster.Window) error {
	n, nb := w.Len(), p.model.Bands()
	x := mat.NewDense(n, nb, nil)
	buf := make([]float64, n)
	for b := 0; b < nb; b++ {
		if err := p.hs.ReadBlock(b, w, buf); err != nil {
			return raster.IOError(fmt.Sprintf("read spectral band %d", b), err)
		}
		x.SetCol(b, buf)
	}
	pred := p.model.predictBlock(x)

	low := make([]float64, n)
	unit := make([]float64, n)
	for c := 0; c < 3; c++ {
		if err := p.rgb.ReadBlock(c, w, buf); err != nil {
			return raster.IOError(fmt.Sprintf("read reference band %d", c), err)
		}
		if err := p.lowPass.ReadBlock(c, w, low); err != nil {
			return raster.IOError(fmt.Sprintf("read low-pass band %d", c), err)
		}
		rgbUnit := normalize.Apply(buf, p.rgb.DataType(c), p.methods[c])
		lowUnit := normalize.Apply(low, p.lowPass.DataType(c), p.methods[c])
		for i := range unit {
			unit[i] = normalize.Clip01(pred.At(i, c) + p.alpha*(rgbUnit[i]-lowUnit[i]))
		}
		if err := p.out.WriteBlock(c, w, normalize.FromUnit(unit, p.outType)); err != nil {
			return raster.IOError(fmt.Sprintf("write band %d", c), err)
		}
	}
	return nil
}
