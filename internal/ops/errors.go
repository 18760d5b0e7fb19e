package ops

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/jobs"
)

var (
	// ErrValidation reports malformed submission parameters. Such requests
	// are rejected before any job record exists.
	ErrValidation = errors.New("validation error")
	// ErrReferenceNotFound reports a referenced asset that is missing or of
	// the wrong kind.
	ErrReferenceNotFound = errors.New("referenced asset not found")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ReferenceError is raised by workers when an input asset cannot be used.
type ReferenceError struct {
	Field   string
	AssetID uuid.UUID
	Reason  string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%s: asset %s %s", e.Field, e.AssetID, e.Reason)
}

func (e *ReferenceError) Is(target error) bool {
	return target == ErrReferenceNotFound
}

func (e *ReferenceError) Kind() string {
	return jobs.KindReferenceNotFound
}
