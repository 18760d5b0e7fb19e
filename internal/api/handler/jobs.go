package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/api/response"
	"github.com/kiranshivaraju/rasterops/internal/cache"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

// JobReader loads persisted job records.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// JobStatuser reports the live status of a job.
type JobStatuser interface {
	Status(ctx context.Context, id uuid.UUID) (cache.JobState, error)
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/jobs/{jobID}.
func NewGetJobHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := jobs.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

type jobStatusResponse struct {
	ID            uuid.UUID `json:"id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	OutputAssetID string    `json:"output_asset_id,omitempty"`
	UpdatedAt     int64     `json:"updated_at"`
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/jobs/{jobID}/status.
// It serves the mirrored status and falls back to the store.
func NewJobStatusHandler(jobs JobStatuser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		state, err := jobs.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, jobStatusResponse{
			ID:            id,
			Kind:          state.Kind,
			Status:        state.Status,
			OutputAssetID: state.OutputAssetID,
			UpdatedAt:     state.UpdatedAt,
		})
	}
}
