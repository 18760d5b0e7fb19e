package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/rasterops/internal/cache"
	"github.com/kiranshivaraju/rasterops/internal/jobs"
	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/internal/store/storetest"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu     sync.Mutex
	states map[uuid.UUID][]cache.JobState
	err    error
}

func newMockCache() *mockCache {
	return &mockCache{states: make(map[uuid.UUID][]cache.JobState)}
}

func (c *mockCache) Ping(context.Context) error { return nil }

func (c *mockCache) SetJobState(_ context.Context, id uuid.UUID, s cache.JobState, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.states[id] = append(c.states[id], s)
	return nil
}

func (c *mockCache) GetJobState(_ context.Context, id uuid.UUID) (cache.JobState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return cache.JobState{}, false, c.err
	}
	s := c.states[id]
	if len(s) == 0 {
		return cache.JobState{}, false, nil
	}
	return s[len(s)-1], true, nil
}

func (c *mockCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (c *mockCache) statuses(id uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.states[id] {
		out = append(out, s.Status)
	}
	return out
}

// ─── mock recorder ───────────────────────────────────────────────────────────

type mockRecorder struct {
	mu       sync.Mutex
	finished map[string]int
	depth    []int
}

func (r *mockRecorder) JobSubmitted(string) {}
func (r *mockRecorder) JobStarted(string)   {}
func (r *mockRecorder) JobFinished(kind, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[string]int)
	}
	r.finished[kind+"/"+status]++
}
func (r *mockRecorder) QueueDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth = append(r.depth, n)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func waitStatus(t *testing.T, st *storetest.Store, id uuid.UUID, status string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func shutdown(t *testing.T, e *jobs.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
}

func succeed(id uuid.UUID) jobs.WorkFunc {
	return func(context.Context, *models.Job) (jobs.Result, error) {
		return jobs.Result{OutputAssetID: id, Message: "ok"}, nil
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSubmit_PersistsQueuedBeforeExecution(t *testing.T) {
	st := storetest.New()
	e := jobs.New(st, jobs.WithWorkers(1))
	defer shutdown(t, e)

	release := make(chan struct{})
	output := uuid.New()
	job, err := e.Submit(context.Background(), models.JobKindCalc, map[string]string{"expr": "A+B"},
		func(context.Context, *models.Job) (jobs.Result, error) {
			<-release
			return jobs.Result{OutputAssetID: output}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.JSONEq(t, `{"expr":"A+B"}`, string(job.Params))

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{models.JobStatusQueued, models.JobStatusRunning}, stored.Status)

	waitStatus(t, st, job.ID, models.JobStatusRunning)
	close(release)
	done := waitStatus(t, st, job.ID, models.JobStatusDone)

	require.NotNil(t, done.OutputAssetID)
	assert.Equal(t, output, *done.OutputAssetID)
	require.NotNil(t, done.Message)
	assert.Equal(t, "ok", *done.Message)
	assert.Equal(t, []string{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusDone}, st.History(job.ID))
}

func TestRun_ErrorIsRecorded(t *testing.T) {
	st := storetest.New()
	e := jobs.New(st)
	defer shutdown(t, e)

	job, err := e.Submit(context.Background(), models.JobKindFuse, nil,
		func(context.Context, *models.Job) (jobs.Result, error) {
			return jobs.Result{}, fmt.Errorf("fit: %w", raster.IOError("read spectral band 2", errors.New("short read")))
		})
	require.NoError(t, err)

	failed := waitStatus(t, st, job.ID, models.JobStatusError)
	assert.Nil(t, failed.OutputAssetID)
	require.NotNil(t, failed.ErrorKind)
	assert.Equal(t, jobs.KindIO, *failed.ErrorKind)
	require.NotNil(t, failed.Message)
	assert.True(t, strings.HasPrefix(*failed.Message, "fit: read spectral band 2: raster io error: short read"))
	assert.Equal(t, []string{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusError}, st.History(job.ID))
}

func TestRun_PanicIsRecordedWithBoundedTrace(t *testing.T) {
	st := storetest.New()
	e := jobs.New(st, jobs.WithTraceLines(5))
	defer shutdown(t, e)

	job, err := e.Submit(context.Background(), models.JobKindCalc, nil,
		func(context.Context, *models.Job) (jobs.Result, error) {
			var m map[string]int
			m["boom"]++
			return jobs.Result{}, nil
		})
	require.NoError(t, err)

	failed := waitStatus(t, st, job.ID, models.JobStatusError)
	assert.Equal(t, jobs.KindInternal, *failed.ErrorKind)
	lines := strings.Split(*failed.Message, "\n")
	assert.True(t, strings.HasPrefix(lines[0], "panic: assignment to entry in nil map"))
	assert.Len(t, lines, 6)

	// The pool survives the panic.
	next, err := e.Submit(context.Background(), models.JobKindCalc, nil, succeed(uuid.New()))
	require.NoError(t, err)
	waitStatus(t, st, next.ID, models.JobStatusDone)
}

func TestSubmit_QueueFull(t *testing.T) {
	st := storetest.New()
	e := jobs.New(st, jobs.WithWorkers(1), jobs.WithQueueSize(1))

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := func(context.Context, *models.Job) (jobs.Result, error) {
		started <- struct{}{}
		<-release
		return jobs.Result{}, nil
	}

	first, err := e.Submit(context.Background(), models.JobKindCalc, nil, blocking)
	require.NoError(t, err)
	<-started

	second, err := e.Submit(context.Background(), models.JobKindCalc, nil, blocking)
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), models.JobKindCalc, nil, blocking)
	assert.ErrorIs(t, err, jobs.ErrQueueFull)
	assert.Equal(t, 2, st.Jobs(), "rejected submission must not create a record")

	close(release)
	<-started
	waitStatus(t, st, first.ID, models.JobStatusDone)
	waitStatus(t, st, second.ID, models.JobStatusDone)
	shutdown(t, e)
}

func TestSubmit_StoreFailureReleasesSlot(t *testing.T) {
	st := storetest.New()
	e := jobs.New(st, jobs.WithQueueSize(1))
	defer shutdown(t, e)

	st.CreateJobErr = errors.New("database is locked")
	_, err := e.Submit(context.Background(), models.JobKindCalc, nil, succeed(uuid.New()))
	assert.ErrorContains(t, err, "database is locked")

	st.CreateJobErr = nil
	job, err := e.Submit(context.Background(), models.JobKindCalc, nil, succeed(uuid.New()))
	require.NoError(t, err)
	waitStatus(t, st, job.ID, models.JobStatusDone)
}

func TestSubmit_RejectsUnencodableParams(t *testing.T) {
	e := jobs.New(storetest.New())
	defer shutdown(t, e)

	_, err := e.Submit(context.Background(), models.JobKindCalc, make(chan int), succeed(uuid.New()))
	assert.ErrorContains(t, err, "encode job params")
}

func TestShutdown_DrainsQueue(t *testing.T) {
	st := storetest.New()
	rec := &mockRecorder{}
	e := jobs.New(st, jobs.WithWorkers(1), jobs.WithQueueSize(8), jobs.WithRecorder(rec))

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job, err := e.Submit(context.Background(), models.JobKindCalc, nil,
			func(context.Context, *models.Job) (jobs.Result, error) {
				time.Sleep(5 * time.Millisecond)
				return jobs.Result{}, nil
			})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	shutdown(t, e)
	for _, id := range ids {
		job, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusDone, job.Status)
	}

	_, err := e.Submit(context.Background(), models.JobKindCalc, nil, succeed(uuid.New()))
	assert.ErrorIs(t, err, jobs.ErrEngineClosed)
	assert.NoError(t, e.Shutdown(context.Background()), "second shutdown is a no-op")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 5, rec.finished["calc/done"])
	for _, d := range rec.depth {
		assert.GreaterOrEqual(t, d, 0)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	st := storetest.New()
	e := jobs.New(st, jobs.WithWorkers(1))

	release := make(chan struct{})
	job, err := e.Submit(context.Background(), models.JobKindFuse, nil,
		func(context.Context, *models.Job) (jobs.Result, error) {
			<-release
			return jobs.Result{}, nil
		})
	require.NoError(t, err)
	waitStatus(t, st, job.ID, models.JobStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	waitStatus(t, st, job.ID, models.JobStatusDone)
	shutdown(t, e)
}

func TestEngine_EachJobRunsOnce(t *testing.T) {
	st := storetest.New()
	e := jobs.New(st, jobs.WithWorkers(4), jobs.WithQueueSize(64))

	var mu sync.Mutex
	runs := make(map[uuid.UUID]int)
	var running, peak atomic.Int32

	var ids []uuid.UUID
	for i := 0; i < 40; i++ {
		job, err := e.Submit(context.Background(), models.JobKindCalc, nil,
			func(_ context.Context, j *models.Job) (jobs.Result, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				mu.Lock()
				runs[j.ID]++
				mu.Unlock()
				return jobs.Result{}, nil
			})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	shutdown(t, e)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, runs[id])
		assert.Equal(t, []string{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusDone}, st.History(id))
	}
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestEngine_MirrorsStatusToCache(t *testing.T) {
	st := storetest.New()
	c := newMockCache()
	e := jobs.New(st, jobs.WithStatusCache(c, time.Minute))
	defer shutdown(t, e)

	output := uuid.New()
	job, err := e.Submit(context.Background(), models.JobKindFuse, nil, succeed(output))
	require.NoError(t, err)
	waitStatus(t, st, job.ID, models.JobStatusDone)

	require.Eventually(t, func() bool { return len(c.statuses(job.ID)) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusDone}, c.statuses(job.ID))

	state, err := e.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, state.Status)
	assert.Equal(t, output.String(), state.OutputAssetID)
	assert.Equal(t, models.JobKindFuse, state.Kind)
}

func TestEngine_CacheFailureDoesNotFailJobs(t *testing.T) {
	st := storetest.New()
	c := newMockCache()
	c.err = errors.New("redis down")
	e := jobs.New(st, jobs.WithStatusCache(c, time.Minute))
	defer shutdown(t, e)

	job, err := e.Submit(context.Background(), models.JobKindCalc, nil, succeed(uuid.New()))
	require.NoError(t, err)
	waitStatus(t, st, job.ID, models.JobStatusDone)

	// Status falls back to the store.
	state, err := e.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, state.Status)
}

func TestStatus_UnknownJob(t *testing.T) {
	e := jobs.New(storetest.New())
	defer shutdown(t, e)

	_, err := e.Status(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestRun_RetriesTransientStartFailure(t *testing.T) {
	st := storetest.New()
	st.FailUpdates = 2
	e := jobs.New(st, jobs.WithWorkers(1))
	defer shutdown(t, e)

	var runs atomic.Int32
	job, err := e.Submit(context.Background(), models.JobKindCalc, nil,
		func(context.Context, *models.Job) (jobs.Result, error) {
			runs.Add(1)
			return jobs.Result{Message: "ok"}, nil
		})
	require.NoError(t, err)

	waitStatus(t, st, job.ID, models.JobStatusDone)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, []string{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusDone}, st.History(job.ID))
}

func TestRun_UnstartableJobIsNotExecuted(t *testing.T) {
	st := storetest.New()
	st.FailUpdates = 3
	e := jobs.New(st, jobs.WithWorkers(1))
	defer shutdown(t, e)

	var ran atomic.Bool
	stuck, err := e.Submit(context.Background(), models.JobKindCalc, nil,
		func(context.Context, *models.Job) (jobs.Result, error) {
			ran.Store(true)
			return jobs.Result{}, nil
		})
	require.NoError(t, err)

	// The single worker reaches the next job only after giving up on the first.
	next, err := e.Submit(context.Background(), models.JobKindCalc, nil, succeed(uuid.New()))
	require.NoError(t, err)
	waitStatus(t, st, next.ID, models.JobStatusDone)

	assert.False(t, ran.Load())
	assert.Equal(t, []string{models.JobStatusQueued}, st.History(stuck.ID))
}
