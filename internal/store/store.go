package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
// Every call is atomic.
type Store interface {
	Ping(ctx context.Context) error

	CreateAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	ListAssets(ctx context.Context) ([]*models.Asset, error)
	MarkAssetPublished(ctx context.Context, id uuid.UUID, layer, store string, at time.Time) error
	DeleteAsset(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

// JobUpdate holds the optional fields of a status update.
type JobUpdate struct {
	Message       *string
	ErrorKind     *string
	OutputAssetID *uuid.UUID
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdate folds opts into a JobUpdate.
func ApplyJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Message = &msg
	}
}

func WithErrorKind(kind string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorKind = &kind
	}
}

func WithOutputAsset(id uuid.UUID) JobUpdateOption {
	return func(p *JobUpdate) {
		p.OutputAssetID = &id
	}
}

var validTransitions = map[string][]string{
	models.JobStatusQueued:  {models.JobStatusRunning},
	models.JobStatusRunning: {models.JobStatusDone, models.JobStatusError},
}

// sourceStatuses lists the statuses a job may be in to move to status.
func sourceStatuses(status string) []string {
	var from []string
	for src, dsts := range validTransitions {
		if slices.Contains(dsts, status) {
			from = append(from, src)
		}
	}
	slices.Sort(from)
	return from
}
