// Package calc evaluates per-pixel expressions over aligned rasters.
package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kiranshivaraju/rasterops/internal/raster"
)

// Input binds an expression variable to a raster. Band is 1-based; zero
// selects the first band.
type Input struct {
	Raster raster.Raster
	Band   int
}

// Request is one expression evaluation. Variable names are validated by the
// caller.
type Request struct {
	Inputs  map[string]Input
	Expr    string
	OutPath string
	OutType raster.DataType
	NoData  *float64
}

// Calculator checks inputs, delegates arithmetic to an Evaluator and opens
// the result.
type Calculator struct {
	eval   Evaluator
	opener raster.Opener
	logger *slog.Logger
}

type Option func(*Calculator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Calculator) {
		c.logger = l
	}
}

// New creates a Calculator opening outputs with opener.
func New(eval Evaluator, opener raster.Opener, opts ...Option) *Calculator {
	c := &Calculator{eval: eval, opener: opener, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate runs req and returns the output raster, whose grid is the shared
// input grid.
func (c *Calculator) Evaluate(ctx context.Context, req Request) (raster.Raster, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", raster.ErrInputShape)
	}
	if req.Expr == "" {
		return nil, fmt.Errorf("%w: empty expression", raster.ErrInputShape)
	}
	if req.OutType == raster.Unknown {
		return nil, fmt.Errorf("%w: output type not set", raster.ErrInputShape)
	}

	vars := make([]string, 0, len(req.Inputs))
	for v := range req.Inputs {
		vars = append(vars, v)
	}
	slices.Sort(vars)

	ref := req.Inputs[vars[0]].Raster.Grid()
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("input %s: %w", vars[0], err)
	}
	inv := Invocation{
		Sources: make(map[string]Source, len(vars)),
		Expr:    req.Expr,
		OutPath: req.OutPath,
		OutType: req.OutType,
		NoData:  req.NoData,
	}
	for _, v := range vars {
		in := req.Inputs[v]
		if !in.Raster.Grid().Equal(ref) {
			return nil, fmt.Errorf("%w: input %s is not on the grid of %s", raster.ErrGrid, v, vars[0])
		}
		if in.Band < 0 || in.Band > in.Raster.BandCount() {
			return nil, fmt.Errorf("%w: input %s band %d out of range (bands=%d)", raster.ErrInputShape, v, in.Band, in.Raster.BandCount())
		}
		p, ok := in.Raster.(raster.Pather)
		if !ok || p.Path() == "" {
			return nil, fmt.Errorf("%w: input %s is not backed by a file", raster.ErrIO, v)
		}
		inv.Sources[v] = Source{Path: p.Path(), Band: in.Band}
	}

	if err := c.eval.Evaluate(ctx, inv); err != nil {
		if !errors.Is(err, ErrCalculator) {
			err = fmt.Errorf("%w: %w", ErrCalculator, err)
		}
		return nil, err
	}

	out, err := c.opener.Open(req.OutPath)
	if err != nil {
		return nil, raster.IOError("open calculator output", err)
	}
	if !out.Grid().Equal(ref) {
		out.Close()
		return nil, fmt.Errorf("%w: calculator output grid %s differs from input grid %s", raster.ErrGrid, out.Grid(), ref)
	}
	c.logger.Info("expression evaluated", "expr", req.Expr, "inputs", len(vars), "output", req.OutPath)
	return out, nil
}
