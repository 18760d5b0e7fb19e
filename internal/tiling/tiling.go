// Package tiling drives block-wise processing over a raster grid.
package tiling

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/rasterops/internal/raster"
)

// BlockFunc processes one window. It must only write pixels inside w.
type BlockFunc func(ctx context.Context, w raster.Window) error

// Windows yields non-overlapping windows that exactly tile g in row-major
// order. Windows on the last row and column are clipped to the grid. The
// sequence is lazy and can be ranged over any number of times.
func Windows(g raster.Grid, blockW, blockH int) iter.Seq[raster.Window] {
	if blockW <= 0 {
		blockW = raster.DefaultBlockSize
	}
	if blockH <= 0 {
		blockH = raster.DefaultBlockSize
	}
	return func(yield func(raster.Window) bool) {
		for y := 0; y < g.Rows; y += blockH {
			h := min(blockH, g.Rows-y)
			for x := 0; x < g.Cols; x += blockW {
				w := raster.Window{XOff: x, YOff: y, Width: min(blockW, g.Cols-x), Height: h}
				if !yield(w) {
					return
				}
			}
		}
	}
}

// BlockSize picks the native block size of the first raster that reports
// one, falling back to the default square block.
func BlockSize(rasters ...raster.Raster) (int, int) {
	for _, r := range rasters {
		if r == nil {
			continue
		}
		if w, h := r.BlockSize(); w > 0 && h > 0 {
			return w, h
		}
	}
	return raster.DefaultBlockSize, raster.DefaultBlockSize
}

// Processor runs a BlockFunc over every window of a grid. It holds no state
// across blocks; with more than one worker blocks run concurrently, each
// pixel still being written exactly once.
type Processor struct {
	workers int
}

type Option func(*Processor)

// WithWorkers sets the number of blocks processed concurrently. Values below
// one mean sequential processing.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		p.workers = n
	}
}

func New(opts ...Option) *Processor {
	p := &Processor{workers: 1}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Run applies fn to every window. The first error stops further blocks from
// being scheduled and is returned annotated with its window.
func (p *Processor) Run(ctx context.Context, g raster.Grid, blockW, blockH int, fn BlockFunc) error {
	if p.workers == 1 {
		for w := range Windows(g, blockW, blockH) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, w); err != nil {
				return fmt.Errorf("block %s: %w", w, err)
			}
		}
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers)
	for w := range Windows(g, blockW, blockH) {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := fn(egCtx, w); err != nil {
				return fmt.Errorf("block %s: %w", w, err)
			}
			return nil
		})
	}
	return eg.Wait()
}
