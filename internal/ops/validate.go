package ops

import (
	"math"
	"regexp"
	"slices"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/rasterops/internal/raster"
	"github.com/kiranshivaraju/rasterops/pkg/models"
)

var (
	varName = regexp.MustCompile(`^[A-Z]$`)
	outName = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)
)

// fusionTypes are the output types fusion can scale unit values into.
var fusionTypes = []raster.DataType{raster.Byte, raster.UInt16, raster.Float32}

type calcRequest struct {
	params  models.CalcParams
	assets  map[string]uuid.UUID
	outType raster.DataType
}

func validateCalc(p models.CalcParams) (*calcRequest, error) {
	if len(p.Inputs) == 0 {
		return nil, invalid("inputs", "at least one input is required")
	}
	req := &calcRequest{params: p, assets: make(map[string]uuid.UUID, len(p.Inputs))}
	for v, id := range p.Inputs {
		if !varName.MatchString(v) {
			return nil, invalid("inputs", "variable %q must be a single uppercase letter A-Z", v)
		}
		aid, err := uuid.Parse(id)
		if err != nil {
			return nil, invalid("inputs."+v, "%q is not an asset id", id)
		}
		req.assets[v] = aid
	}
	for v, b := range p.Bands {
		if _, ok := p.Inputs[v]; !ok {
			return nil, invalid("bands", "variable %q has no input", v)
		}
		if b < 1 {
			return nil, invalid("bands."+v, "band index is 1-based, got %d", b)
		}
	}
	if p.Expr == "" {
		return nil, invalid("expr", "expression is required")
	}
	if !outName.MatchString(p.OutName) {
		return nil, invalid("out_name", "%q may only contain letters, digits, '_' and '-'", p.OutName)
	}
	dt, err := raster.ParseDataType(p.OutDType)
	if err != nil {
		return nil, invalid("out_dtype", "unsupported data type %q", p.OutDType)
	}
	req.outType = dt
	if p.NoData != nil && (math.IsNaN(*p.NoData) || math.IsInf(*p.NoData, 0)) {
		return nil, invalid("nodata", "must be finite")
	}
	return req, nil
}

type fuseRequest struct {
	params  models.FuseParams
	hs, rgb uuid.UUID
	outType raster.DataType
}

// validateFuse checks the request shape. Numeric limits such as a
// non-positive lambda are left to the fusion itself, which fails the job
// with an input shape error.
func validateFuse(p models.FuseParams) (*fuseRequest, error) {
	var err error
	req := &fuseRequest{params: p}
	if req.hs, err = uuid.Parse(p.HS); err != nil {
		return nil, invalid("hs", "%q is not an asset id", p.HS)
	}
	if req.rgb, err = uuid.Parse(p.RGB); err != nil {
		return nil, invalid("rgb", "%q is not an asset id", p.RGB)
	}
	for field, v := range map[string]float64{"alpha": p.Alpha, "lambda": p.Lambda} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, invalid(field, "must be finite")
		}
	}
	if !outName.MatchString(p.OutName) {
		return nil, invalid("out_name", "%q may only contain letters, digits, '_' and '-'", p.OutName)
	}
	dt, err := raster.ParseDataType(p.OutDType)
	if err != nil || !slices.Contains(fusionTypes, dt) {
		return nil, invalid("out_dtype", "must be Byte, UInt16 or Float32, got %q", p.OutDType)
	}
	req.outType = dt
	return req, nil
}
