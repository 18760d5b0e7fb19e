package raster

import (
	"errors"
	"fmt"
)

var (
	// ErrGrid reports an ungeoreferenced, rotated or otherwise unusable grid.
	ErrGrid = errors.New("grid error")
	// ErrInputShape reports a wrong band count, data type or parameter shape.
	ErrInputShape = errors.New("input shape error")
	// ErrIO reports a raster that cannot be read or written.
	ErrIO = errors.New("raster io error")
)

// IOError annotates err with msg and makes sure it matches ErrIO.
func IOError(msg string, err error) error {
	if errors.Is(err, ErrIO) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrIO, err)
}
