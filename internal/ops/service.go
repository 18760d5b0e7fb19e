// Package ops turns raster operation requests into jobs and runs them:
// expression evaluation over aligned inputs and spectral fusion.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/align"
	"github.com/kiranshivaraju/rasterops/internal/assets"
	"github.com/kiranshivaraju/rasterops/internal/calc"
	"github.com/kiranshivaraju/rasterops/internal/fusion"
	"github.com/kiranshivaraju/rasterops/internal/jobs"
	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/internal/store"
	"github.com/kiranshivaraju/rasterops/internal/tiling"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

// Submitter queues work. *jobs.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, kind string, params any, fn jobs.WorkFunc) (*models.Job, error)
}

// Backend opens inputs and creates outputs and intermediates.
type Backend interface {
	raster.Factory
	raster.Opener
}

// Service validates submissions and provides the work functions run by the
// job engine.
type Service struct {
	jobs    Submitter
	assets  *assets.Service
	backend Backend
	calc    *calc.Calculator
	fusion  *fusion.Engine

	reprojector align.Reprojector
	proc        *tiling.Processor
	logger      *slog.Logger
}

type Option func(*Service)

// WithReprojector lets calc inputs in another CRS be aligned.
func WithReprojector(r align.Reprojector) Option {
	return func(s *Service) {
		s.reprojector = r
	}
}

func WithProcessor(p *tiling.Processor) Option {
	return func(s *Service) {
		s.proc = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func New(j Submitter, a *assets.Service, b Backend, c *calc.Calculator, f *fusion.Engine, opts ...Option) *Service {
	s := &Service{
		jobs:    j,
		assets:  a,
		backend: b,
		calc:    c,
		fusion:  f,
		proc:    tiling.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitCalc validates p and queues a calc job.
func (s *Service) SubmitCalc(ctx context.Context, p models.CalcParams) (*models.Job, error) {
	req, err := validateCalc(p)
	if err != nil {
		return nil, err
	}
	return s.jobs.Submit(ctx, models.JobKindCalc, p, func(ctx context.Context, job *models.Job) (jobs.Result, error) {
		return s.runCalc(ctx, job, req)
	})
}

// SubmitFuse validates p and queues a fuse job.
func (s *Service) SubmitFuse(ctx context.Context, p models.FuseParams) (*models.Job, error) {
	req, err := validateFuse(p)
	if err != nil {
		return nil, err
	}
	return s.jobs.Submit(ctx, models.JobKindFuse, p, func(ctx context.Context, job *models.Job) (jobs.Result, error) {
		return s.runFuse(ctx, job, req)
	})
}

func (s *Service) runCalc(ctx context.Context, job *models.Job, req *calcRequest) (jobs.Result, error) {
	vars := make([]string, 0, len(req.assets))
	for v := range req.assets {
		vars = append(vars, v)
	}
	slices.Sort(vars)

	var open []raster.Raster
	defer func() {
		for _, r := range open {
			r.Close()
		}
	}()

	sources := make(map[string]raster.Raster, len(vars))
	for _, v := range vars {
		r, err := s.openRaster(ctx, "inputs."+v, req.assets[v])
		if err != nil {
			return jobs.Result{}, err
		}
		open = append(open, r)
		sources[v] = r
	}

	dir, err := s.workDir(job.ID)
	if err != nil {
		return jobs.Result{}, err
	}

	// Every other input is resampled onto the grid of the first variable.
	ref := sources[vars[0]].Grid()
	aligner := align.New(s.backend,
		align.WithReprojector(s.reprojector),
		align.WithProcessor(s.proc),
		align.WithLogger(s.logger),
	)
	inputs := map[string]calc.Input{vars[0]: {Raster: sources[vars[0]], Band: req.params.Bands[vars[0]]}}
	for _, v := range vars[1:] {
		aligned, err := aligner.Align(ctx, sources[v], ref, align.Bilinear, filepath.Join(dir, "aligned_"+v+".tif"))
		if err != nil {
			return jobs.Result{}, fmt.Errorf("align %s: %w", v, err)
		}
		open = append(open, aligned)
		inputs[v] = calc.Input{Raster: aligned, Band: req.params.Bands[v]}
	}

	filename := req.params.OutName + ".tif"
	out, err := s.calc.Evaluate(ctx, calc.Request{
		Inputs:  inputs,
		Expr:    req.params.Expr,
		OutPath: filepath.Join(dir, filename),
		OutType: req.outType,
		NoData:  req.params.NoData,
	})
	if err != nil {
		return jobs.Result{}, err
	}
	path := outputPath(out, filepath.Join(dir, filename))
	if err := out.Close(); err != nil {
		return jobs.Result{}, raster.IOError("close "+filename, err)
	}
	return s.register(ctx, filename, path)
}

func (s *Service) runFuse(ctx context.Context, job *models.Job, req *fuseRequest) (jobs.Result, error) {
	hs, err := s.openRaster(ctx, "hs", req.hs)
	if err != nil {
		return jobs.Result{}, err
	}
	defer hs.Close()
	rgb, err := s.openRaster(ctx, "rgb", req.rgb)
	if err != nil {
		return jobs.Result{}, err
	}
	defer rgb.Close()

	dir, err := s.workDir(job.ID)
	if err != nil {
		return jobs.Result{}, err
	}
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return jobs.Result{}, raster.IOError("create work area", err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			s.logger.Warn("failed to remove fusion intermediates", "job_id", job.ID, "error", err)
		}
	}()

	filename := req.params.OutName + ".tif"
	res, err := s.fusion.Fuse(ctx, fusion.Request{
		HS:  hs,
		RGB: rgb,
		Params: fusion.Params{
			Alpha:      req.params.Alpha,
			Lambda:     req.params.Lambda,
			MaxSamples: req.params.MaxSamples,
			OutType:    req.outType,
		},
		Output:     s.backend,
		OutputName: filepath.Join(dir, filename),
		Scratch:    s.backend,
		ScratchDir: tmp,
	})
	if err != nil {
		return jobs.Result{}, err
	}
	path := outputPath(res.Raster, filepath.Join(dir, filename))
	if err := res.Raster.Close(); err != nil {
		return jobs.Result{}, raster.IOError("close "+filename, err)
	}
	return s.register(ctx, filename, path)
}

// openRaster resolves an asset id to an open raster.
func (s *Service) openRaster(ctx context.Context, field string, id uuid.UUID) (raster.Raster, error) {
	asset, err := s.assets.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ReferenceError{Field: field, AssetID: id, Reason: "not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if asset.Kind != models.AssetKindRaster {
		return nil, &ReferenceError{Field: field, AssetID: id, Reason: "is not a raster"}
	}
	r, err := s.backend.Open(asset.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, raster.IOError("open "+asset.Filename, err))
	}
	return r, nil
}

func (s *Service) workDir(id uuid.UUID) (string, error) {
	dir := s.assets.DerivedDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", raster.IOError("create work area", err)
	}
	return dir, nil
}

func (s *Service) register(ctx context.Context, filename, path string) (jobs.Result, error) {
	asset, err := s.assets.RegisterRaster(ctx, filename, path)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("register output: %w", err)
	}
	return jobs.Result{OutputAssetID: asset.ID, Message: "ok"}, nil
}

func outputPath(r raster.Raster, fallback string) string {
	if p, ok := r.(raster.Pather); ok && p.Path() != "" {
		return p.Path()
	}
	return fallback
}
