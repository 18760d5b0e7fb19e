package calc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/rasterops/internal/raster"
)

// ErrCalculator reports a failed expression evaluation.
var ErrCalculator = errors.New("calculator error")

// Source is one variable of an invocation. Band is 1-based; zero leaves the
// evaluator's default band.
type Source struct {
	Path string
	Band int
}

// Invocation is a single evaluation request.
type Invocation struct {
	Sources map[string]Source
	Expr    string
	OutPath string
	OutType raster.DataType
	NoData  *float64
}

// Evaluator computes an expression over file-backed rasters and writes the
// result to OutPath on the shared input grid.
type Evaluator interface {
	Evaluate(ctx context.Context, inv Invocation) error
}

// gdalCalcCandidates are tried in order when no command is configured.
var gdalCalcCandidates = []string{"gdal_calc.py", "/usr/bin/gdal_calc.py", "/usr/local/bin/gdal_calc.py"}

// GDALCalc runs gdal_calc as a child process.
type GDALCalc struct {
	command []string
	logger  *slog.Logger
}

// NewGDALCalc creates an evaluator running command, split on whitespace. An
// empty command selects the first gdal_calc.py found on the system, then the
// osgeo_utils module.
func NewGDALCalc(command string, logger *slog.Logger) *GDALCalc {
	if logger == nil {
		logger = slog.Default()
	}
	return &GDALCalc{command: resolveCommand(command), logger: logger}
}

func resolveCommand(command string) []string {
	if fields := strings.Fields(command); len(fields) > 0 {
		return fields
	}
	for _, c := range gdalCalcCandidates {
		if _, err := exec.LookPath(c); err == nil {
			return []string{c}
		}
		if _, err := os.Stat(c); err == nil {
			return []string{c}
		}
	}
	return []string{"python3", "-m", "osgeo_utils.gdal_calc"}
}

// Command returns the resolved command prefix.
func (g *GDALCalc) Command() []string {
	return slices.Clone(g.command)
}

// Args builds the gdal_calc arguments for inv. Variables are emitted in
// lexical order.
func (g *GDALCalc) Args(inv Invocation) []string {
	var args []string
	vars := make([]string, 0, len(inv.Sources))
	for v := range inv.Sources {
		vars = append(vars, v)
	}
	slices.Sort(vars)
	for _, v := range vars {
		s := inv.Sources[v]
		args = append(args, "-"+v, s.Path)
		if s.Band > 0 {
			args = append(args, "--"+v+"_band", strconv.Itoa(s.Band))
		}
	}
	args = append(args,
		"--calc", inv.Expr,
		"--outfile", inv.OutPath,
		"--type", inv.OutType.String(),
		"--overwrite",
	)
	if inv.NoData != nil {
		args = append(args, "--NoDataValue", strconv.FormatFloat(*inv.NoData, 'g', -1, 64))
	}
	return append(args, "--quiet")
}

func (g *GDALCalc) Evaluate(ctx context.Context, inv Invocation) error {
	args := append(g.Command()[1:], g.Args(inv)...)
	cmd := exec.CommandContext(ctx, g.command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: gdal_calc failed: %s", ErrCalculator, msg)
	}
	g.logger.Debug("gdal_calc finished",
		"outfile", inv.OutPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
