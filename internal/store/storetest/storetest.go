// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/store"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

var transitions = map[string][]string{
	models.JobStatusQueued:  {models.JobStatusRunning},
	models.JobStatusRunning: {models.JobStatusDone, models.JobStatusError},
}

// Store keeps records in maps guarded by a mutex. It applies the same status
// transition rules as the SQL stores and records every status it observes.
type Store struct {
	mu      sync.Mutex
	assets  map[uuid.UUID]*models.Asset
	jobs    map[uuid.UUID]*models.Job
	history map[uuid.UUID][]string

	// Err, when set, is returned by every call.
	Err error
	// CreateJobErr, when set, is returned by CreateJob.
	CreateJobErr error
	// FailUpdates is the number of upcoming UpdateJobStatus calls that fail
	// with ErrUnavailable.
	FailUpdates int
}

// ErrUnavailable is the transient failure injected by FailUpdates.
var ErrUnavailable = errors.New("store temporarily unavailable")

func New() *Store {
	return &Store{
		assets:  make(map[uuid.UUID]*models.Asset),
		jobs:    make(map[uuid.UUID]*models.Job),
		history: make(map[uuid.UUID][]string),
	}
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

func (s *Store) CreateAsset(_ context.Context, a *models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.assets[a.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *a
	s.assets[a.ID] = &cp
	return nil
}

func (s *Store) GetAsset(_ context.Context, id uuid.UUID) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.assets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAssets(_ context.Context) ([]*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*models.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		cp := *a
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.Asset) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *Store) MarkAssetPublished(_ context.Context, id uuid.UUID, layer, storeName string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	a, ok := s.assets[id]
	if !ok {
		return store.ErrNotFound
	}
	a.GeoserverLayer, a.GeoserverStore, a.PublishedAt = &layer, &storeName, &at
	return nil
}

func (s *Store) DeleteAsset(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.assets[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.assets, id)
	for _, j := range s.jobs {
		if j.OutputAssetID != nil && *j.OutputAssetID == id {
			j.OutputAssetID = nil
		}
	}
	return nil
}

func (s *Store) CreateJob(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.CreateJobErr != nil {
		return s.CreateJobErr
	}
	if _, ok := s.jobs[j.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *j
	s.jobs[j.ID] = &cp
	s.history[j.ID] = []string{j.Status}
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.FailUpdates > 0 {
		s.FailUpdates--
		return ErrUnavailable
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(transitions[j.Status], status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	upd := store.ApplyJobUpdate(opts...)
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	if upd.Message != nil {
		j.Message = upd.Message
	}
	if upd.ErrorKind != nil {
		j.ErrorKind = upd.ErrorKind
	}
	if upd.OutputAssetID != nil {
		j.OutputAssetID = upd.OutputAssetID
	}
	s.history[id] = append(s.history[id], status)
	return nil
}

// History returns every status the job has had, in order.
func (s *Store) History(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

// Jobs returns the number of job records.
func (s *Store) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

var _ store.Store = (*Store)(nil)
