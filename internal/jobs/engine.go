// Package jobs runs raster operations asynchronously on a bounded worker
// pool and records their progress as job status transitions.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/cache"
	"github.com/kiranshivaraju/rasterops/internal/store"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free. No job
	// record is created.
	ErrQueueFull = errors.New("job queue is full")
	// ErrEngineClosed is returned by Submit after Shutdown.
	ErrEngineClosed = errors.New("job engine is shut down")
)

const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 64
	DefaultTraceLines = 20
	DefaultStatusTTL  = 30 * time.Minute

	storeTimeout = 10 * time.Second

	// startAttempts bounds how often a worker tries to mark a job running;
	// retries back off linearly from startBackoff.
	startAttempts = 3
	startBackoff  = 50 * time.Millisecond
)

// WorkFunc executes one job. It runs on a worker with the job as persisted
// at submission.
type WorkFunc func(ctx context.Context, job *models.Job) (Result, error)

// Recorder receives job lifecycle events, e.g. for metrics.
type Recorder interface {
	JobSubmitted(kind string)
	JobStarted(kind string)
	JobFinished(kind, status string, d time.Duration)
	QueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted(string)                       {}
func (nopRecorder) JobStarted(string)                         {}
func (nopRecorder) JobFinished(string, string, time.Duration) {}
func (nopRecorder) QueueDepth(int)                            {}

type task struct {
	job *models.Job
	fn  WorkFunc
}

// Engine owns the job queue and the workers draining it. The store is the
// only place job state lives; workers change it only through
// UpdateJobStatus, whose transition rules keep statuses monotonic.
type Engine struct {
	store      store.Store
	cache      cache.Cache
	recorder   Recorder
	logger     *slog.Logger
	workers    int
	queueSize  int
	traceLines int
	statusTTL  time.Duration

	ctx   context.Context
	queue chan task
	slots chan struct{}
	depth atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Engine)

// WithWorkers sets the number of concurrently executing jobs.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithQueueSize bounds the number of jobs waiting for a worker.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		e.queueSize = n
	}
}

// WithTraceLines bounds the trace recorded on failed jobs.
func WithTraceLines(n int) Option {
	return func(e *Engine) {
		e.traceLines = n
	}
}

// WithStatusCache mirrors every status change to c with the given TTL.
func WithStatusCache(c cache.Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = c
		if ttl > 0 {
			e.statusTTL = ttl
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine and starts its workers.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		recorder:   nopRecorder{},
		logger:     slog.Default(),
		workers:    DefaultWorkers,
		queueSize:  DefaultQueueSize,
		traceLines: DefaultTraceLines,
		statusTTL:  DefaultStatusTTL,
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.queueSize < 1 {
		e.queueSize = 1
	}
	e.queue = make(chan task, e.queueSize)
	e.slots = make(chan struct{}, e.queueSize)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// Submit persists a queued job and hands fn to the pool. It never waits for
// execution; the returned job is the persisted queued record.
func (e *Engine) Submit(ctx context.Context, kind string, params any, fn WorkFunc) (*models.Job, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode job params: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    models.JobStatusQueued,
		Params:    raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		<-e.slots
		return nil, fmt.Errorf("create job: %w", err)
	}
	e.mirror(job.ID, cache.JobState{Kind: kind, Status: job.Status, UpdatedAt: now.Unix()})

	e.recorder.JobSubmitted(kind)
	e.recorder.QueueDepth(int(e.depth.Add(1)))
	// Cannot block: a held slot guarantees buffer space.
	e.queue <- task{job: job, fn: fn}

	e.logger.Info("job queued", "job_id", job.ID, "kind", kind)
	cp := *job
	return &cp, nil
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job engine shutdown: %w", ctx.Err())
	}
}

// Status returns the current status of a job, from the cache when it holds
// the job and from the store otherwise.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (cache.JobState, error) {
	if e.cache != nil {
		state, ok, err := e.cache.GetJobState(ctx, id)
		if err == nil && ok {
			return state, nil
		}
		if err != nil {
			e.logger.Warn("job state cache read failed", "job_id", id, "error", err)
		}
	}
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return cache.JobState{}, err
	}
	state := cache.JobState{Kind: job.Kind, Status: job.Status, UpdatedAt: job.UpdatedAt.Unix()}
	if job.OutputAssetID != nil {
		state.OutputAssetID = job.OutputAssetID.String()
	}
	return state, nil
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for t := range e.queue {
		<-e.slots
		e.recorder.QueueDepth(int(e.depth.Add(-1)))
		e.run(id, t)
	}
}

func (e *Engine) run(worker int, t task) {
	job := t.job
	log := e.logger.With("job_id", job.ID, "kind", job.Kind, "worker", worker)

	if err := e.start(job, log); err != nil {
		log.Error("job dropped: failed to mark job running", "status", models.JobStatusQueued, "error", err)
		return
	}
	e.recorder.JobStarted(job.Kind)
	log.Info("job started")

	start := time.Now()
	res, err := e.execute(t)
	elapsed := time.Since(start)

	status := models.JobStatusDone
	if err != nil {
		status = models.JobStatusError
		f := NewFailure(err, e.traceLines)
		err = e.transition(job, status, store.WithMessage(f.String()), store.WithErrorKind(f.Kind))
		log.Warn("job failed", "error_kind", f.Kind, "error", f.Message, "duration_ms", elapsed.Milliseconds())
	} else {
		msg := res.Message
		if msg == "" {
			msg = "ok"
		}
		opts := []store.JobUpdateOption{store.WithMessage(msg)}
		if res.OutputAssetID != uuid.Nil {
			opts = append(opts, store.WithOutputAsset(res.OutputAssetID))
			job.OutputAssetID = &res.OutputAssetID
		}
		err = e.transition(job, status, opts...)
		log.Info("job completed", "output_asset_id", res.OutputAssetID, "duration_ms", elapsed.Milliseconds())
	}
	if err != nil {
		log.Error("failed to record job outcome", "status", status, "error", err)
	}
	e.recorder.JobFinished(job.Kind, status, elapsed)
}

// start moves a job from queued to running, retrying transient store
// failures. A job that cannot be started stays queued in the store.
func (e *Engine) start(job *models.Job, log *slog.Logger) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = e.transition(job, models.JobStatusRunning)
		if err == nil || errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		if attempt == startAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		log.Warn("retrying start of job", "attempt", attempt, "error", err)
		select {
		case <-e.ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * startBackoff):
		}
	}
}

// execute runs the work function, turning a panic into a *PanicError.
func (e *Engine) execute(t task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: stackLines(debug.Stack())}
		}
	}()
	return t.fn(e.ctx, t.job)
}

func (e *Engine) transition(job *models.Job, status string, opts ...store.JobUpdateOption) error {
	ctx, cancel := context.WithTimeout(e.ctx, storeTimeout)
	defer cancel()
	if err := e.store.UpdateJobStatus(ctx, job.ID, status, opts...); err != nil {
		return err
	}
	state := cache.JobState{Kind: job.Kind, Status: status, UpdatedAt: time.Now().Unix()}
	if job.OutputAssetID != nil {
		state.OutputAssetID = job.OutputAssetID.String()
	}
	e.mirror(job.ID, state)
	return nil
}

// mirror copies a status to the cache. Cache failures are logged only.
func (e *Engine) mirror(id uuid.UUID, state cache.JobState) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, storeTimeout)
	defer cancel()
	if err := e.cache.SetJobState(ctx, id, state, e.statusTTL); err != nil {
		e.logger.Warn("failed to cache job state", "job_id", id, "error", err)
	}
}

func stackLines(stack []byte) []string {
	return strings.Split(strings.TrimSpace(string(stack)), "\n")
}
