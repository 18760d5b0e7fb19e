package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kiranshivaraju/rasterops/internal/api/response"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

// RasterOps submits raster jobs. Both calls validate synchronously and return
// the queued job.
type RasterOps interface {
	SubmitCalc(ctx context.Context, p models.CalcParams) (*models.Job, error)
	SubmitFuse(ctx context.Context, p models.FuseParams) (*models.Job, error)
}

// NewCalcHandler returns an http.HandlerFunc for POST /api/raster/calc.
func NewCalcHandler(svc RasterOps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := models.DefaultCalcParams()
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			invalidRequest(w, "Invalid JSON body")
			return
		}
		job, err := svc.SubmitCalc(r.Context(), p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewFuseHandler returns an http.HandlerFunc for POST /api/raster/fuse.
func NewFuseHandler(svc RasterOps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := models.DefaultFuseParams()
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			invalidRequest(w, "Invalid JSON body")
			return
		}
		job, err := svc.SubmitFuse(r.Context(), p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}
