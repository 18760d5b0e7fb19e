package jobs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kiranshivaraju/rasterops/internal/calc"
	"github.com/kiranshivaraju/rasterops/internal/jobs"
	"github.com/kiranshivaraju/rasterops/internal/raster"
)

type refError struct{}

func (refError) Error() string { return "asset 42 not found" }
func (refError) Kind() string  { return jobs.KindReferenceNotFound }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("align: %w", raster.ErrGrid), jobs.KindGrid},
		{fmt.Errorf("fit: %w", raster.ErrInputShape), jobs.KindInputShape},
		{raster.IOError("read", errors.New("eof")), jobs.KindIO},
		{fmt.Errorf("%w: gdal_calc failed", calc.ErrCalculator), jobs.KindCalculator},
		{fmt.Errorf("resolve hs: %w", refError{}), jobs.KindReferenceNotFound},
		{&jobs.PanicError{Value: "x"}, jobs.KindInternal},
		{errors.New("something else"), jobs.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, jobs.Classify(tt.err), tt.err.Error())
	}
}

func TestNewFailure_ChainAsTrace(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("fuse: %w", fmt.Errorf("write band 1: %w", base))

	f := jobs.NewFailure(err, 20)
	assert.Equal(t, jobs.KindInternal, f.Kind)
	assert.Equal(t, "fuse: write band 1: disk full", f.Message)
	assert.Equal(t, []string{"caused by: write band 1: disk full", "caused by: disk full"}, f.Trace)
	assert.Equal(t, "fuse: write band 1: disk full\ncaused by: write band 1: disk full\ncaused by: disk full", f.String())

	assert.Len(t, jobs.NewFailure(err, 1).Trace, 1)
	assert.Empty(t, jobs.NewFailure(err, 0).Trace)
	assert.Equal(t, f.Message, jobs.NewFailure(err, 0).String())
}

func TestNewFailure_PanicStack(t *testing.T) {
	stack := []string{"goroutine 7 [running]:", "a()", "b()", "c()"}
	f := jobs.NewFailure(&jobs.PanicError{Value: "bad", Stack: stack}, 2)
	assert.Equal(t, "panic: bad", f.Message)
	assert.Equal(t, stack[:2], f.Trace)
}
