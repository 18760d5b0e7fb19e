package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/rasterops/internal/api"
	mw "github.com/kiranshivaraju/rasterops/internal/api/middleware"
	"github.com/kiranshivaraju/rasterops/internal/cache"
	"github.com/kiranshivaraju/rasterops/internal/metrics"
)

// --- stub cache counting rate limit hits ---

type stubCache struct {
	mu    sync.Mutex
	count map[string]int64
}

func (c *stubCache) Ping(_ context.Context) error { return nil }
func (c *stubCache) SetJobState(_ context.Context, _ uuid.UUID, _ cache.JobState, _ time.Duration) error {
	return nil
}
func (c *stubCache) GetJobState(_ context.Context, _ uuid.UUID) (cache.JobState, bool, error) {
	return cache.JobState{}, false, nil
}
func (c *stubCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = make(map[string]int64)
	}
	c.count[key]++
	return c.count[key], nil
}

var _ cache.Cache = (*stubCache)(nil)

// --- router tests ---

func named(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(name))
	}
}

func newTestRouter(limit int) (http.Handler, *stubCache) {
	c := &stubCache{}
	return api.NewRouter(api.Dependencies{
		RateLimit:     mw.NewRateLimit(c, limit),
		Metrics:       metrics.New(prometheus.NewRegistry()),
		HealthHandler: named("health"),
		UploadAsset:   named("upload"),
		ListAssets:    named("list"),
		GetAsset:      named("get"),
		DownloadAsset: named("download"),
		DeleteAsset:   named("delete"),
		PublishAsset:  named("publish"),
		CalcHandler:   named("calc"),
		FuseHandler:   named("fuse"),
		GetJob:        named("job"),
		JobStatus:     named("status"),
	}), c
}

func TestRouter_Routes(t *testing.T) {
	router, _ := newTestRouter(60)
	id := uuid.NewString()

	routes := []struct {
		method string
		path   string
		want   string
	}{
		{"GET", "/health", "health"},
		{"POST", "/api/assets/upload", "upload"},
		{"GET", "/api/assets", "list"},
		{"GET", "/api/assets/" + id, "get"},
		{"GET", "/api/assets/" + id + "/file", "download"},
		{"DELETE", "/api/assets/" + id, "delete"},
		{"POST", "/api/assets/" + id + "/publish", "publish"},
		{"POST", "/api/raster/calc", "calc"},
		{"POST", "/api/raster/fuse", "fuse"},
		{"GET", "/api/jobs/" + id, "job"},
		{"GET", "/api/jobs/" + id + "/status", "status"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req := httptest.NewRequest(rt.method, rt.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, rt.want, w.Body.String())
		})
	}
}

func TestRouter_RateLimitsSubmissionsOnly(t *testing.T) {
	router, c := newTestRouter(1)

	send := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "198.51.100.4:3000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("POST", "/api/raster/calc").Code)
	over := send("POST", "/api/raster/fuse")
	assert.Equal(t, http.StatusTooManyRequests, over.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(over.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"].(map[string]any)["code"])

	assert.Equal(t, http.StatusOK, send("GET", "/api/assets").Code)
	assert.Len(t, c.count, 1)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(60)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/assets", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `route="/api/assets"`), string(body))
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newTestRouter(60)

	req := httptest.NewRequest("OPTIONS", "/api/raster/calc", nil)
	req.Header.Set("Origin", "https://maps.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_NotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	req := httptest.NewRequest("POST", "/api/raster/calc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router, _ := newTestRouter(60)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
