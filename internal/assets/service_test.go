package assets_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/rasterops/internal/assets"
	"github.com/kiranshivaraju/rasterops/internal/geoserver"
	"github.com/kiranshivaraju/rasterops/internal/store"
	"github.com/kiranshivaraju/rasterops/internal/store/storetest"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

// ─── mock publisher ──────────────────────────────────────────────────────────

type mockPublisher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *mockPublisher) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.err
}

func (p *mockPublisher) PublishGeoTIFF(_ context.Context, storeName, path string) (geoserver.Layer, error) {
	if err := p.record("geotiff " + storeName + " " + filepath.Base(path)); err != nil {
		return geoserver.Layer{}, err
	}
	return geoserver.Layer{Store: storeName, Name: storeName}, nil
}

func (p *mockPublisher) PublishShapefileZip(_ context.Context, storeName, path string) (geoserver.Layer, error) {
	if err := p.record("shp " + storeName + " " + filepath.Base(path)); err != nil {
		return geoserver.Layer{}, err
	}
	return geoserver.Layer{Workspace: "ws", Store: storeName, Name: storeName}, nil
}

func (p *mockPublisher) DeleteCoverageStore(_ context.Context, storeName string, recurse bool, purge string) error {
	return p.record("delete coverage " + storeName + " " + purge)
}

func (p *mockPublisher) DeleteDataStore(_ context.Context, storeName string, recurse bool) error {
	return p.record("delete data " + storeName)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func fakeInspect(path string) (models.RasterMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return models.RasterMeta{}, err
	}
	if string(b) == "garbage" {
		return models.RasterMeta{}, errors.New("not recognized as a supported file format")
	}
	return models.RasterMeta{Driver: "GTiff", XSize: 4, YSize: 3, Bands: 1, DType: "Byte"}, nil
}

func newService(t *testing.T, opts ...assets.Option) (*assets.Service, *storetest.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st := storetest.New()
	opts = append([]assets.Option{assets.WithInspector(fakeInspect)}, opts...)
	return assets.New(st, dir, opts...), st, dir
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestKindOf(t *testing.T) {
	for name, want := range map[string]string{
		"a.tif":     models.AssetKindRaster,
		"A.TIFF":    models.AssetKindRaster,
		"roads.zip": models.AssetKindVector,
		"r.ZIP":     models.AssetKindVector,
	} {
		got, err := assets.KindOf(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := assets.KindOf("notes.txt")
	assert.ErrorIs(t, err, assets.ErrUnsupportedKind)
}

func TestUpload_Raster(t *testing.T) {
	svc, st, dir := newService(t)

	asset, err := svc.Upload(context.Background(), "../../scene.tif", strings.NewReader("TIFF"))
	require.NoError(t, err)
	assert.Equal(t, "scene.tif", asset.Filename)
	assert.Equal(t, models.AssetKindRaster, asset.Kind)
	assert.Equal(t, filepath.Join(dir, "uploads", asset.ID.String(), "scene.tif"), asset.Path)

	var meta models.RasterMeta
	require.NoError(t, json.Unmarshal(asset.Meta, &meta))
	assert.Equal(t, "GTiff", meta.Driver)

	stored, err := st.GetAsset(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.Path, stored.Path)

	b, err := os.ReadFile(asset.Path)
	require.NoError(t, err)
	assert.Equal(t, "TIFF", string(b))
}

func TestUpload_Vector(t *testing.T) {
	svc, _, _ := newService(t)

	asset, err := svc.Upload(context.Background(), "roads.zip", strings.NewReader("PK0123"))
	require.NoError(t, err)
	assert.Equal(t, models.AssetKindVector, asset.Kind)
	assert.JSONEq(t, `{"driver":"zip","size_bytes":6}`, string(asset.Meta))
}

func TestUpload_Rejected(t *testing.T) {
	svc, st, dir := newService(t)
	ctx := context.Background()

	_, err := svc.Upload(ctx, "notes.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, assets.ErrUnsupportedKind)

	_, err = svc.Upload(ctx, "", strings.NewReader("x"))
	assert.ErrorIs(t, err, assets.ErrInvalidFilename)

	_, err = svc.Upload(ctx, "bad.tif", strings.NewReader("garbage"))
	assert.ErrorContains(t, err, "not recognized")

	list, err := st.ListAssets(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	entries, _ := os.ReadDir(filepath.Join(dir, "uploads"))
	assert.Empty(t, entries, "failed uploads leave no files behind")
}

func TestRegisterRaster(t *testing.T) {
	svc, _, dir := newService(t)
	jobID := uuid.New()
	out := filepath.Join(svc.DerivedDir(jobID), "ndvi.tif")
	require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
	require.NoError(t, os.WriteFile(out, []byte("TIFF"), 0o644))

	asset, err := svc.RegisterRaster(context.Background(), "ndvi.tif", out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "derived", jobID.String(), "ndvi.tif"), asset.Path)
	assert.Equal(t, models.AssetKindRaster, asset.Kind)
}

func TestOpen(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	asset, err := svc.Upload(ctx, "scene.tif", strings.NewReader("TIFF"))
	require.NoError(t, err)

	got, f, err := svc.Open(ctx, asset.ID)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, asset.ID, got.ID)
	b, _ := io.ReadAll(f)
	assert.Equal(t, "TIFF", string(b))

	require.NoError(t, os.Remove(asset.Path))
	_, _, err = svc.Open(ctx, asset.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = svc.Open(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete_RemovesRecordAndDirectory(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	asset, err := svc.Upload(ctx, "scene.tif", strings.NewReader("TIFF"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, asset.ID, assets.DefaultDeleteOptions()))

	_, err = st.GetAsset(ctx, asset.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = os.Stat(filepath.Dir(asset.Path))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDelete_KeepFiles(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	asset, err := svc.Upload(ctx, "scene.tif", strings.NewReader("TIFF"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, asset.ID, assets.DeleteOptions{DeleteFiles: false}))
	_, err = os.Stat(asset.Path)
	assert.NoError(t, err)
}

func TestDelete_NeverTouchesFilesOutsideDataDir(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	outside := filepath.Join(t.TempDir(), "keep.tif")
	require.NoError(t, os.WriteFile(outside, []byte("TIFF"), 0o644))
	asset, err := svc.RegisterRaster(ctx, "keep.tif", outside)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, asset.ID, assets.DefaultDeleteOptions()))
	_, err = os.Stat(outside)
	assert.NoError(t, err)
	_, err = st.GetAsset(ctx, asset.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	assert.ErrorIs(t, svc.Delete(context.Background(), uuid.New(), assets.DefaultDeleteOptions()), store.ErrNotFound)
}

func TestPublish_RasterAndUnpublish(t *testing.T) {
	pub := &mockPublisher{}
	svc, st, _ := newService(t, assets.WithPublisher(pub, "webgis"))
	ctx := context.Background()
	asset, err := svc.Upload(ctx, "My Scene.tif", strings.NewReader("TIFF"))
	require.NoError(t, err)

	layer, err := svc.Publish(ctx, asset.ID)
	require.NoError(t, err)
	want := "My_Scene_" + asset.ID.String()[:8]
	assert.Equal(t, geoserver.Layer{Workspace: "webgis", Store: want, Name: want}, layer)

	stored, err := st.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.GeoserverStore)
	assert.Equal(t, want, *stored.GeoserverStore)
	assert.Equal(t, want, *stored.GeoserverLayer)
	assert.NotNil(t, stored.PublishedAt)

	require.NoError(t, svc.Delete(ctx, asset.ID, assets.DefaultDeleteOptions()))
	assert.Equal(t, []string{
		"geotiff " + want + " My Scene.tif",
		"delete coverage " + want + " all",
	}, pub.calls)
}

func TestPublish_Vector(t *testing.T) {
	pub := &mockPublisher{}
	svc, _, _ := newService(t, assets.WithPublisher(pub, "webgis"))
	ctx := context.Background()
	asset, err := svc.Upload(ctx, "roads.zip", strings.NewReader("PK"))
	require.NoError(t, err)

	layer, err := svc.Publish(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, "ws", layer.Workspace)

	require.NoError(t, svc.Delete(ctx, asset.ID, assets.DeleteOptions{Unpublish: true}))
	assert.Equal(t, "delete data "+layer.Store, pub.calls[1])
}

func TestDelete_UnpublishFailureKeepsAsset(t *testing.T) {
	pub := &mockPublisher{}
	svc, st, _ := newService(t, assets.WithPublisher(pub, "webgis"))
	ctx := context.Background()
	asset, err := svc.Upload(ctx, "scene.tif", strings.NewReader("TIFF"))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, asset.ID)
	require.NoError(t, err)

	pub.err = geoserver.ErrUnreachable
	err = svc.Delete(ctx, asset.ID, assets.DefaultDeleteOptions())
	assert.ErrorIs(t, err, geoserver.ErrUnreachable)

	_, err = st.GetAsset(ctx, asset.ID)
	assert.NoError(t, err)
	_, err = os.Stat(asset.Path)
	assert.NoError(t, err)
}

func TestPublish_Disabled(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Publish(context.Background(), uuid.New())
	assert.ErrorIs(t, err, assets.ErrPublishingDisabled)
}

func TestPublish_Failure(t *testing.T) {
	pub := &mockPublisher{err: geoserver.ErrRequest}
	svc, st, _ := newService(t, assets.WithPublisher(pub, "webgis"))
	ctx := context.Background()
	asset, err := svc.Upload(ctx, "scene.tif", strings.NewReader("TIFF"))
	require.NoError(t, err)

	_, err = svc.Publish(ctx, asset.ID)
	assert.ErrorIs(t, err, geoserver.ErrRequest)
	stored, _ := st.GetAsset(ctx, asset.ID)
	assert.Nil(t, stored.PublishedAt)
}
