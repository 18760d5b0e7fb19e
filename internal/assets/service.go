// Package assets manages uploaded and derived files, their catalog records
// and their publication as map layers.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/geoserver"
	"github.com/kiranshivaraju/rasterops/internal/store"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

var (
	ErrUnsupportedKind    = errors.New("only .tif/.tiff rasters or zipped shapefiles are supported")
	ErrInvalidFilename    = errors.New("invalid filename")
	ErrPublishingDisabled = errors.New("map publishing is not configured")
)

const (
	uploadsDir = "uploads"
	derivedDir = "derived"
)

// Inspector reads the metadata of a raster file.
type Inspector func(path string) (models.RasterMeta, error)

// DeleteOptions controls what Delete removes besides the record.
type DeleteOptions struct {
	Unpublish   bool
	Purge       string
	DeleteFiles bool
}

// DefaultDeleteOptions unpublishes, purges the catalog copy and removes local files.
func DefaultDeleteOptions() DeleteOptions {
	return DeleteOptions{Unpublish: true, Purge: "all", DeleteFiles: true}
}

// Service owns the asset catalog. Files live under dataDir.
type Service struct {
	store     store.Store
	dataDir   string
	inspect   Inspector
	publisher geoserver.Publisher
	workspace string
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithInspector(fn Inspector) Option {
	return func(s *Service) {
		s.inspect = fn
	}
}

// WithPublisher enables Publish and catalog cleanup on Delete.
func WithPublisher(p geoserver.Publisher, workspace string) Option {
	return func(s *Service) {
		s.publisher = p
		s.workspace = workspace
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func New(st store.Store, dataDir string, opts ...Option) *Service {
	s := &Service{
		store:   st,
		dataDir: dataDir,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		inspect: func(string) (models.RasterMeta, error) {
			return models.RasterMeta{}, errors.New("no raster inspector configured")
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DataDir returns the root every asset file lives under.
func (s *Service) DataDir() string {
	return s.dataDir
}

// DerivedDir returns the work area of job id.
func (s *Service) DerivedDir(id uuid.UUID) string {
	return filepath.Join(s.dataDir, derivedDir, id.String())
}

// KindOf returns the asset kind implied by the extension of filename.
func KindOf(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff":
		return models.AssetKindRaster, nil
	case ".zip":
		return models.AssetKindVector, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, filename)
}

// Upload stores the content of r as a new asset named filename.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (*models.Asset, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	kind, err := KindOf(name)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	dir := filepath.Join(s.dataDir, uploadsDir, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	path := filepath.Join(dir, name)
	size, err := writeFile(path, r)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	var meta any
	if kind == models.AssetKindRaster {
		rm, err := s.inspect(path)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("inspecting %s: %w", name, err)
		}
		meta = rm
	} else {
		meta = models.VectorMeta{Driver: "zip", SizeBytes: size}
	}

	asset, err := s.create(ctx, id, name, kind, path, meta)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	s.logger.Info("asset uploaded", "asset_id", id, "kind", kind, "size_bytes", size)
	return asset, nil
}

// RegisterRaster records an existing raster file, typically a job output.
func (s *Service) RegisterRaster(ctx context.Context, filename, path string) (*models.Asset, error) {
	meta, err := s.inspect(path)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", filename, err)
	}
	return s.create(ctx, uuid.New(), filename, models.AssetKindRaster, path, meta)
}

func (s *Service) create(ctx context.Context, id uuid.UUID, filename, kind, path string, meta any) (*models.Asset, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding asset meta: %w", err)
	}
	asset := &models.Asset{
		ID:        id,
		Filename:  filename,
		Kind:      kind,
		Path:      path,
		Meta:      raw,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("creating asset: %w", err)
	}
	return asset, nil
}

func (s *Service) List(ctx context.Context) ([]*models.Asset, error) {
	return s.store.ListAssets(ctx)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	return s.store.GetAsset(ctx, id)
}

// Open returns the asset and its file. The caller closes the file.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (*models.Asset, *os.File, error) {
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(asset.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("asset file: %w", store.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("opening asset file: %w", err)
	}
	return asset, f, nil
}

// Delete removes the asset record and, depending on opts, its catalog
// layer and local files. A failed unpublish leaves everything in place.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, opts DeleteOptions) error {
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return err
	}

	if opts.Unpublish && asset.GeoserverStore != nil {
		if err := s.unpublish(ctx, asset, opts.Purge); err != nil {
			return err
		}
	}
	if opts.DeleteFiles {
		s.removeFiles(asset.Path)
	}
	if err := s.store.DeleteAsset(ctx, id); err != nil {
		return err
	}
	s.logger.Info("asset deleted", "asset_id", id, "files", opts.DeleteFiles)
	return nil
}

func (s *Service) unpublish(ctx context.Context, asset *models.Asset, purge string) error {
	if s.publisher == nil {
		s.logger.Warn("asset is published but publishing is not configured", "asset_id", asset.ID)
		return nil
	}
	var err error
	switch asset.Kind {
	case models.AssetKindRaster:
		err = s.publisher.DeleteCoverageStore(ctx, *asset.GeoserverStore, true, purge)
	case models.AssetKindVector:
		err = s.publisher.DeleteDataStore(ctx, *asset.GeoserverStore, true)
	}
	if err != nil {
		return fmt.Errorf("unpublishing %s: %w", *asset.GeoserverStore, err)
	}
	return nil
}

// removeFiles deletes path on a best-effort basis. Only paths under the data
// directory are touched; files kept in an uploads/<id> or derived/<id>
// directory take the whole directory with them.
func (s *Service) removeFiles(path string) {
	root, err := filepath.Abs(s.dataDir)
	if err != nil {
		return
	}
	p, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(p, root+string(filepath.Separator)) {
		s.logger.Warn("refusing to delete file outside data directory", "path", path)
		return
	}
	if _, err := os.Stat(p); err != nil {
		return
	}

	parent := filepath.Dir(p)
	switch filepath.Base(filepath.Dir(parent)) {
	case uploadsDir, derivedDir:
		err = os.RemoveAll(parent)
	default:
		err = os.Remove(p)
	}
	if err != nil {
		s.logger.Warn("failed to delete asset files", "path", path, "error", err)
	}
}

// Publish uploads the asset to the map catalog and records its layer.
func (s *Service) Publish(ctx context.Context, id uuid.UUID) (geoserver.Layer, error) {
	if s.publisher == nil {
		return geoserver.Layer{}, ErrPublishingDisabled
	}
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return geoserver.Layer{}, err
	}

	storeName := geoserver.SanitizeName(asset.Filename) + "_" + id.String()[:8]
	var layer geoserver.Layer
	switch asset.Kind {
	case models.AssetKindRaster:
		layer, err = s.publisher.PublishGeoTIFF(ctx, storeName, asset.Path)
	case models.AssetKindVector:
		layer, err = s.publisher.PublishShapefileZip(ctx, storeName, asset.Path)
	default:
		return geoserver.Layer{}, fmt.Errorf("%w: asset kind %q", ErrUnsupportedKind, asset.Kind)
	}
	if err != nil {
		return geoserver.Layer{}, fmt.Errorf("publishing %s: %w", asset.Filename, err)
	}
	if layer.Workspace == "" {
		layer.Workspace = s.workspace
	}

	if err := s.store.MarkAssetPublished(ctx, id, layer.Name, layer.Store, s.now()); err != nil {
		return geoserver.Layer{}, err
	}
	s.logger.Info("asset published", "asset_id", id, "workspace", layer.Workspace, "layer", layer.Name)
	return layer, nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
