package calc_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/rasterops/internal/calc"
	"github.com/kiranshivaraju/rasterops/internal/raster"
)

var grid = raster.Grid{OriginX: 0, OriginY: 50, PixelWidth: 10, PixelHeight: -10, Cols: 5, Rows: 5, CRS: "EPSG:3857"}

// sumEvaluator adds the selected band of every source, like "A+B".
type sumEvaluator struct {
	mu    sync.Mutex
	store *raster.MemStore
	grid  *raster.Grid
	err   error
	calls []calc.Invocation
}

func (s *sumEvaluator) Evaluate(_ context.Context, inv calc.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inv)
	if s.err != nil {
		return s.err
	}
	g := grid
	if s.grid != nil {
		g = *s.grid
	}
	out, err := s.store.Create(inv.OutPath, raster.Spec{Grid: g, Bands: 1, DataType: inv.OutType})
	if err != nil {
		return err
	}
	total := make([]float64, g.PixelCount())
	buf := make([]float64, g.PixelCount())
	w := raster.Window{Width: g.Cols, Height: g.Rows}
	for _, src := range inv.Sources {
		r, err := s.store.Open(src.Path)
		if err != nil {
			return err
		}
		band := max(src.Band, 1) - 1
		if err := r.ReadBlock(band, w, buf); err != nil {
			return err
		}
		for i, v := range buf {
			total[i] += v
		}
	}
	return out.WriteBlock(0, w, total)
}

func (s *sumEvaluator) invocations() []calc.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func setup() (*raster.MemStore, *raster.Mem, *raster.Mem) {
	store := raster.NewMemStore()
	a := store.Put("a.tif", raster.NewMem(grid, 1, raster.Int16).Fill(0, func(c, r int) float64 { return float64(c) }))
	b := store.Put("b.tif", raster.NewMem(grid, 2, raster.Int16))
	b.Fill(0, func(int, int) float64 { return 100 })
	b.Fill(1, func(_, r int) float64 { return float64(r * 10) })
	return store, a, b
}

func TestCalculator_Evaluate(t *testing.T) {
	store, a, b := setup()
	ev := &sumEvaluator{store: store}
	c := calc.New(ev, store)

	out, err := c.Evaluate(context.Background(), calc.Request{
		Inputs:  map[string]calc.Input{"A": {Raster: a}, "B": {Raster: b, Band: 2}},
		Expr:    "A+B",
		OutPath: "out.tif",
		OutType: raster.Float32,
	})
	require.NoError(t, err)
	assert.True(t, out.Grid().Equal(a.Grid()))

	m := out.(*raster.Mem)
	assert.Equal(t, 3.0+20, m.At(0, 3, 2))

	calls := ev.invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, calc.Source{Path: "a.tif"}, calls[0].Sources["A"])
	assert.Equal(t, calc.Source{Path: "b.tif", Band: 2}, calls[0].Sources["B"])
	assert.Equal(t, "A+B", calls[0].Expr)
}

func TestCalculator_RejectsInputs(t *testing.T) {
	store, a, b := setup()
	other := raster.Grid{OriginX: 5, OriginY: 50, PixelWidth: 10, PixelHeight: -10, Cols: 5, Rows: 5, CRS: "EPSG:3857"}
	shifted := store.Put("c.tif", raster.NewMem(other, 1, raster.Byte))
	unnamed := raster.NewMem(grid, 1, raster.Byte)

	tests := []struct {
		name   string
		req    calc.Request
		target error
	}{
		{"no inputs", calc.Request{Expr: "A", OutType: raster.Byte}, raster.ErrInputShape},
		{"empty expression", calc.Request{Inputs: map[string]calc.Input{"A": {Raster: a}}, OutType: raster.Byte}, raster.ErrInputShape},
		{"grid mismatch", calc.Request{Inputs: map[string]calc.Input{"A": {Raster: a}, "C": {Raster: shifted}}, Expr: "A+C", OutType: raster.Byte}, raster.ErrGrid},
		{"band out of range", calc.Request{Inputs: map[string]calc.Input{"B": {Raster: b, Band: 3}}, Expr: "B", OutType: raster.Byte}, raster.ErrInputShape},
		{"negative band", calc.Request{Inputs: map[string]calc.Input{"B": {Raster: b, Band: -1}}, Expr: "B", OutType: raster.Byte}, raster.ErrInputShape},
		{"not file backed", calc.Request{Inputs: map[string]calc.Input{"A": {Raster: unnamed}}, Expr: "A", OutType: raster.Byte}, raster.ErrIO},
		{"no output type", calc.Request{Inputs: map[string]calc.Input{"A": {Raster: a}}, Expr: "A"}, raster.ErrInputShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &sumEvaluator{store: store}
			_, err := calc.New(ev, store).Evaluate(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.target)
			assert.Empty(t, ev.invocations())
		})
	}
}

func TestCalculator_EvaluatorFailure(t *testing.T) {
	store, a, _ := setup()
	ev := &sumEvaluator{store: store, err: errors.New("name 'Q' is not defined")}

	_, err := calc.New(ev, store).Evaluate(context.Background(), calc.Request{
		Inputs: map[string]calc.Input{"A": {Raster: a}}, Expr: "Q*2", OutPath: "bad.tif", OutType: raster.Float32,
	})
	assert.ErrorIs(t, err, calc.ErrCalculator)
	assert.ErrorContains(t, err, "not defined")
}

func TestCalculator_OutputOnWrongGrid(t *testing.T) {
	store, a, _ := setup()
	wrong := grid
	wrong.Cols = 4
	ev := &sumEvaluator{store: store, grid: &wrong}

	_, err := calc.New(ev, store).Evaluate(context.Background(), calc.Request{
		Inputs: map[string]calc.Input{"A": {Raster: a}}, Expr: "A", OutPath: "o.tif", OutType: raster.Float32,
	})
	assert.ErrorIs(t, err, raster.ErrGrid)
}

func TestGDALCalc_Args(t *testing.T) {
	nd := -9999.0
	g := calc.NewGDALCalc("gdal_calc.py", nil)
	args := g.Args(calc.Invocation{
		Sources: map[string]calc.Source{"B": {Path: "/d/b.tif", Band: 2}, "A": {Path: "/d/a.tif"}},
		Expr:    "(A-B)/(A+B)",
		OutPath: "/d/out.tif",
		OutType: raster.Float32,
		NoData:  &nd,
	})
	assert.Equal(t, []string{
		"-A", "/d/a.tif",
		"-B", "/d/b.tif", "--B_band", "2",
		"--calc", "(A-B)/(A+B)",
		"--outfile", "/d/out.tif",
		"--type", "Float32",
		"--overwrite",
		"--NoDataValue", "-9999",
		"--quiet",
	}, args)
}

func TestGDALCalc_Command(t *testing.T) {
	assert.Equal(t, []string{"python3", "-m", "osgeo_utils.gdal_calc"},
		calc.NewGDALCalc("python3 -m osgeo_utils.gdal_calc", nil).Command())
	assert.NotEmpty(t, calc.NewGDALCalc("", nil).Command())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_calc.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestGDALCalc_EvaluateRunsCommand(t *testing.T) {
	record := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, `printf '%s\n' "$@" > `+record)

	err := calc.NewGDALCalc(script, nil).Evaluate(context.Background(), calc.Invocation{
		Sources: map[string]calc.Source{"A": {Path: "a.tif"}},
		Expr:    "A*2",
		OutPath: "out.tif",
		OutType: raster.Byte,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(record)
	require.NoError(t, err)
	assert.Equal(t, "-A\na.tif\n--calc\nA*2\n--outfile\nout.tif\n--type\nByte\n--overwrite\n--quiet", strings.TrimSpace(string(got)))
}

func TestGDALCalc_EvaluateFailure(t *testing.T) {
	script := writeScript(t, "echo 'ERROR: invalid expression' >&2\nexit 3")

	err := calc.NewGDALCalc(script, nil).Evaluate(context.Background(), calc.Invocation{
		Sources: map[string]calc.Source{"A": {Path: "a.tif"}},
		Expr:    "A**",
		OutPath: "out.tif",
		OutType: raster.Byte,
	})
	assert.ErrorIs(t, err, calc.ErrCalculator)
	assert.ErrorContains(t, err, "invalid expression")
}
