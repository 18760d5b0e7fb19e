package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AssetKindRaster = "raster"
	AssetKindVector = "vector"
)

// Asset is an uploaded or derived file. Meta holds RasterMeta for rasters and
// VectorMeta for vectors.
type Asset struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	Filename       string          `db:"filename"        json:"filename"`
	Kind           string          `db:"kind"            json:"kind"`
	Path           string          `db:"path"            json:"-"`
	Meta           json.RawMessage `db:"meta_json"       json:"meta"`
	GeoserverLayer *string         `db:"geoserver_layer" json:"geoserver_layer,omitempty"`
	GeoserverStore *string         `db:"geoserver_store" json:"geoserver_store,omitempty"`
	PublishedAt    *time.Time      `db:"published_at"    json:"published_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
}

// BBox is an axis-aligned extent in the raster's CRS.
type BBox struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
}

// RasterMeta describes a raster file as reported by GDAL.
type RasterMeta struct {
	Driver       string    `json:"driver"`
	XSize        int       `json:"xsize"`
	YSize        int       `json:"ysize"`
	Bands        int       `json:"bands"`
	DType        string    `json:"dtype"`
	NoData       *float64  `json:"nodata"`
	GeoTransform []float64 `json:"geotransform"`
	Projection   string    `json:"projection"`
	BBox         *BBox     `json:"bbox"`
}

// VectorMeta describes an uploaded shapefile archive.
type VectorMeta struct {
	Driver    string `json:"driver"`
	SizeBytes int64  `json:"size_bytes"`
}
