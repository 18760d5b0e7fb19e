// Package handler implements the HTTP handlers of the raster API.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/rasterops/internal/api/response"
	"github.com/kiranshivaraju/rasterops/internal/assets"
	"github.com/kiranshivaraju/rasterops/internal/geoserver"
	"github.com/kiranshivaraju/rasterops/internal/jobs"
	"github.com/kiranshivaraju/rasterops/internal/ops"
	"github.com/kiranshivaraju/rasterops/internal/store"
)

// retryAfterSeconds is suggested to clients when the job queue is full.
const retryAfterSeconds = "5"

// writeError maps a service error onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ops.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, verr.Message,
			map[string]string{"field": verr.Field})
	case errors.Is(err, ops.ErrValidation),
		errors.Is(err, assets.ErrUnsupportedKind),
		errors.Is(err, assets.ErrInvalidFilename):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	case errors.Is(err, jobs.ErrQueueFull):
		w.Header().Set("Retry-After", retryAfterSeconds)
		response.Error(w, http.StatusServiceUnavailable, response.CodeQueueFull,
			"The job queue is full, retry later", nil)
	case errors.Is(err, jobs.ErrEngineClosed):
		response.Error(w, http.StatusServiceUnavailable, response.CodeShuttingDown,
			"The server is shutting down", nil)
	case errors.Is(err, assets.ErrPublishingDisabled):
		response.Error(w, http.StatusServiceUnavailable, response.CodePublishingDisabled,
			"Map publishing is not configured", nil)
	case errors.Is(err, geoserver.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, response.CodeCatalogTimeout,
			"The map server did not answer in time", nil)
	case errors.Is(err, geoserver.ErrUnreachable), errors.Is(err, geoserver.ErrRequest):
		response.Error(w, http.StatusBadGateway, response.CodeCatalogError, err.Error(), nil)
	default:
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		response.Internal(w)
	}
}

func invalidRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, message, nil)
}
