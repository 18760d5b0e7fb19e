package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobKindCalc = "calc"
	JobKindFuse = "fuse"
)

const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

// JobStatusTerminal reports whether status is a final state.
func JobStatusTerminal(status string) bool {
	return status == JobStatusDone || status == JobStatusError
}

// Job tracks an async raster operation. The API returns the queued job on
// POST /api/raster/{calc,fuse}; the client polls GET /api/jobs/{job_id} until
// status is done or error.
type Job struct {
	ID            uuid.UUID       `db:"id"              json:"id"`
	Kind          string          `db:"kind"            json:"kind"`
	Status        string          `db:"status"          json:"status"`
	Params        json.RawMessage `db:"params_json"     json:"params"`
	OutputAssetID *uuid.UUID      `db:"output_asset_id" json:"output_asset_id,omitempty"`
	Message       *string         `db:"message"         json:"message,omitempty"`
	ErrorKind     *string         `db:"error_kind"      json:"error_kind,omitempty"`
	CreatedAt     time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"      json:"updated_at"`
}

// CalcParams is the request body of a calc job. Bands are 1-based.
type CalcParams struct {
	Inputs   map[string]string `json:"inputs"`
	Bands    map[string]int    `json:"bands,omitempty"`
	Expr     string            `json:"expr"`
	OutName  string            `json:"out_name"`
	OutDType string            `json:"out_dtype"`
	NoData   *float64          `json:"nodata,omitempty"`
}

// DefaultCalcParams returns a CalcParams carrying the request defaults; decode
// a request body into it to apply them.
func DefaultCalcParams() CalcParams {
	return CalcParams{OutName: "calc_output", OutDType: "Float32"}
}

// FuseParams is the request body of a fuse job.
type FuseParams struct {
	HS         string  `json:"hs"`
	RGB        string  `json:"rgb"`
	Alpha      float64 `json:"alpha"`
	Lambda     float64 `json:"lambda"`
	MaxSamples int     `json:"max_samples"`
	OutName    string  `json:"out_name"`
	OutDType   string  `json:"out_dtype"`
}

func DefaultFuseParams() FuseParams {
	return FuseParams{
		Alpha:      1.0,
		Lambda:     0.001,
		MaxSamples: 200000,
		OutName:    "fusion_output",
		OutDType:   "Byte",
	}
}
