package raster

import (
	"fmt"
	"math"
	"strings"
)

// DataType is a per-band pixel type.
type DataType int

const (
	Unknown DataType = iota
	Byte
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
)

var dataTypeNames = map[DataType]string{
	Unknown: "Unknown",
	Byte:    "Byte",
	UInt16:  "UInt16",
	Int16:   "Int16",
	UInt32:  "UInt32",
	Int32:   "Int32",
	Float32: "Float32",
	Float64: "Float64",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// ParseDataType accepts GDAL type names, case-insensitively. "UInt8" is an alias of Byte.
func ParseDataType(s string) (DataType, error) {
	name := strings.TrimSpace(s)
	if strings.EqualFold(name, "UInt8") {
		return Byte, nil
	}
	for dt, n := range dataTypeNames {
		if dt != Unknown && strings.EqualFold(n, name) {
			return dt, nil
		}
	}
	return Unknown, fmt.Errorf("%w: unsupported data type %q", ErrInputShape, s)
}

func (d DataType) IsInteger() bool {
	switch d {
	case Byte, UInt16, Int16, UInt32, Int32:
		return true
	}
	return false
}

func (d DataType) IsUnsigned() bool {
	switch d {
	case Byte, UInt16, UInt32:
		return true
	}
	return false
}

func (d DataType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// Range returns the representable range of an integer type. Float types
// report the float64 range.
func (d DataType) Range() (lo, hi float64) {
	switch d {
	case Byte:
		return 0, math.MaxUint8
	case UInt16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	}
	return -math.MaxFloat64, math.MaxFloat64
}

// Quantize converts v to the nearest value representable in d.
func (d DataType) Quantize(v float64) float64 {
	switch {
	case d.IsInteger():
		if math.IsNaN(v) {
			return 0
		}
		lo, hi := d.Range()
		return math.Max(lo, math.Min(hi, math.Round(v)))
	case d == Float32:
		return float64(float32(v))
	}
	return v
}
