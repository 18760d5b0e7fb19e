package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/api/response"
	"github.com/kiranshivaraju/rasterops/internal/assets"
	"github.com/kiranshivaraju/rasterops/internal/geoserver"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

const (
	// MaxUploadBytes bounds a single upload request body.
	MaxUploadBytes int64 = 4 << 30

	defaultListLimit = 100
	maxListLimit     = 1000
)

// AssetService defines the asset operations the handlers depend on.
type AssetService interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*models.Asset, error)
	List(ctx context.Context) ([]*models.Asset, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	Open(ctx context.Context, id uuid.UUID) (*models.Asset, *os.File, error)
	Delete(ctx context.Context, id uuid.UUID, opts assets.DeleteOptions) error
	Publish(ctx context.Context, id uuid.UUID) (geoserver.Layer, error)
}

// NewUploadAssetHandler returns an http.HandlerFunc for POST /api/assets/upload.
// The multipart part named "file" is streamed straight to disk.
func NewUploadAssetHandler(svc AssetService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		mr, err := r.MultipartReader()
		if err != nil {
			invalidRequest(w, "Expected a multipart/form-data body")
			return
		}

		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				invalidRequest(w, "file is required")
				return
			}
			if err != nil {
				uploadError(w, r, err)
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}

			asset, err := svc.Upload(r.Context(), part.FileName(), part)
			part.Close()
			if err != nil {
				uploadError(w, r, err)
				return
			}
			response.Created(w, asset)
			return
		}
	}
}

func uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge,
			fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit), nil)
		return
	}
	writeError(w, r, err)
}

// NewListAssetsHandler returns an http.HandlerFunc for GET /api/assets.
func NewListAssetsHandler(svc AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			invalidRequest(w, "offset must be a non-negative integer")
			return
		}
		limit, err := queryInt(r, "limit", defaultListLimit)
		if err != nil || limit < 1 {
			invalidRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(limit, maxListLimit)

		list, err := svc.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		page := list[min(offset, len(list)):min(offset+limit, len(list))]
		response.Collection(w, page, response.ListMeta{
			Total:  len(list),
			Offset: offset,
			Limit:  limit,
		})
	}
}

// NewGetAssetHandler returns an http.HandlerFunc for GET /api/assets/{assetID}.
func NewGetAssetHandler(svc AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "assetID")
		if !ok {
			return
		}
		asset, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, asset)
	}
}

// NewDownloadAssetHandler returns an http.HandlerFunc for GET /api/assets/{assetID}/file.
func NewDownloadAssetHandler(svc AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "assetID")
		if !ok {
			return
		}
		asset, f, err := svc.Open(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", contentType(asset))
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(asset.Path)}))
		http.ServeContent(w, r, asset.Filename, info.ModTime(), f)
	}
}

func contentType(a *models.Asset) string {
	switch a.Kind {
	case models.AssetKindRaster:
		return "image/tiff"
	case models.AssetKindVector:
		return "application/zip"
	}
	return "application/octet-stream"
}

// NewDeleteAssetHandler returns an http.HandlerFunc for DELETE /api/assets/{assetID}.
// Query parameters unpublish, purge and delete_files override the defaults.
func NewDeleteAssetHandler(svc AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "assetID")
		if !ok {
			return
		}

		opts := assets.DefaultDeleteOptions()
		q := r.URL.Query()
		var err error
		if opts.Unpublish, err = queryBool(q.Get("unpublish"), opts.Unpublish); err != nil {
			invalidRequest(w, "unpublish must be a boolean")
			return
		}
		if opts.DeleteFiles, err = queryBool(q.Get("delete_files"), opts.DeleteFiles); err != nil {
			invalidRequest(w, "delete_files must be a boolean")
			return
		}
		if purge := q.Get("purge"); purge != "" {
			switch purge {
			case "none", "metadata", "all":
				opts.Purge = purge
			default:
				invalidRequest(w, "purge must be one of none, metadata, all")
				return
			}
		}

		if err := svc.Delete(r.Context(), id, opts); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewPublishAssetHandler returns an http.HandlerFunc for POST /api/assets/{assetID}/publish.
func NewPublishAssetHandler(svc AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "assetID")
		if !ok {
			return
		}
		layer, err := svc.Publish(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, layer)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		invalidRequest(w, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func queryBool(v string, fallback bool) (bool, error) {
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}
