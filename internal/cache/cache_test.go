package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/rasterops/internal/cache"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Job State ---

func TestSetGetJobState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	state := cache.JobState{Kind: "fuse", Status: "running", UpdatedAt: 1760000000}
	require.NoError(t, rc.SetJobState(ctx, jobID, state, 10*time.Second))

	got, found, err := rc.GetJobState(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, state, got)

	// A later state overwrites every field.
	state = cache.JobState{Kind: "fuse", Status: "done", OutputAssetID: uuid.NewString(), UpdatedAt: 1760000060}
	require.NoError(t, rc.SetJobState(ctx, jobID, state, 10*time.Second))
	got, _, err = rc.GetJobState(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestGetJobState_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	state, found, err := rc.GetJobState(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, cache.JobState{}, state)
}

func TestJobState_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.SetJobState(ctx, jobID, cache.JobState{Status: "queued"}, time.Second))
	time.Sleep(1500 * time.Millisecond)

	_, found, err := rc.GetJobState(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("10.0.0."+uuid.NewString()[:4], 1)

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("expiry-"+uuid.NewString()[:8], 1)

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestJobStateKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "rasterops:job:22222222-2222-2222-2222-222222222222", cache.JobStateKey(jobID))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "rasterops:ratelimit:192.0.2.1:29333333", cache.RateLimitKey("192.0.2.1", 29333333))
	assert.NotEqual(t, cache.RateLimitKey("192.0.2.1", 1), cache.RateLimitKey("192.0.2.1", 2))
}
