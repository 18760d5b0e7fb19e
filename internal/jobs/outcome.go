package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/calc"
	"github.com/kiranshivaraju/rasterops/internal/raster"
)

// Failure kinds recorded on errored jobs.
const (
	KindGrid              = "grid"
	KindInputShape        = "input_shape"
	KindIO                = "io"
	KindCalculator        = "calculator"
	KindReferenceNotFound = "reference_not_found"
	KindInternal          = "internal"
)

// Result is the outcome of a successful job execution.
type Result struct {
	OutputAssetID uuid.UUID
	Message       string
}

// Failure is the outcome of a failed job execution.
type Failure struct {
	Kind    string
	Message string
	Trace   []string
}

// String renders the failure as stored on the job: the message followed by
// the trace, one frame per line.
func (f Failure) String() string {
	if len(f.Trace) == 0 {
		return f.Message
	}
	return f.Message + "\n" + strings.Join(f.Trace, "\n")
}

// Kinder is implemented by errors that know their failure kind.
type Kinder interface {
	Kind() string
}

// Classify maps err to a failure kind.
func Classify(err error) string {
	var k Kinder
	switch {
	case errors.As(err, &k):
		return k.Kind()
	case errors.Is(err, calc.ErrCalculator):
		return KindCalculator
	case errors.Is(err, raster.ErrGrid):
		return KindGrid
	case errors.Is(err, raster.ErrInputShape):
		return KindInputShape
	case errors.Is(err, raster.ErrIO):
		return KindIO
	}
	return KindInternal
}

// PanicError wraps a value recovered from a panicking work function.
type PanicError struct {
	Value any
	Stack []string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Kind() string {
	return KindInternal
}

// NewFailure builds the Failure for err, keeping at most traceLines lines of
// trace. Only panics carry a stack; other errors are described by their
// wrap chain.
func NewFailure(err error, traceLines int) Failure {
	f := Failure{Kind: Classify(err), Message: err.Error()}
	var pe *PanicError
	if errors.As(err, &pe) {
		f.Trace = pe.Stack
	} else {
		f.Trace = chain(err)
	}
	if traceLines >= 0 && len(f.Trace) > traceLines {
		f.Trace = f.Trace[:traceLines]
	}
	return f
}

// chain lists the messages of the errors wrapped inside err, outermost
// first, skipping err itself. Joined errors contribute each branch.
func chain(err error) []string {
	var out []string
	var walk func(e error, depth int)
	walk = func(e error, depth int) {
		if depth > 0 {
			out = append(out, "caused by: "+e.Error())
		}
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			if next := u.Unwrap(); next != nil {
				walk(next, depth+1)
			}
		case interface{ Unwrap() []error }:
			for _, next := range u.Unwrap() {
				walk(next, depth+1)
			}
		}
	}
	walk(err, 0)
	return out
}
