package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the rasterops server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Jobs      JobsConfig
	Raster    RasterConfig
	GeoServer GeoServerConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	CORSAllowOrigins   []string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	DataDir string
}

type JobsConfig struct {
	Workers    int
	QueueSize  int
	TraceLines int
	StatusTTL  time.Duration
}

type RasterConfig struct {
	BlockSize   int
	TileWorkers int
	FusionSeed  uint64
	CalcCommand string
}

type GeoServerConfig struct {
	URL       string
	User      string
	Password  string
	Workspace string
	Timeout   time.Duration
}

// Enabled reports whether a GeoServer instance is configured.
func (g GeoServerConfig) Enabled() bool {
	return g.URL != ""
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("RASTEROPS_PORT", 8080),
			Env:                envString("RASTEROPS_ENV", "development"),
			CORSAllowOrigins:   envList("CORS_ALLOW_ORIGINS", []string{"*"}),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(envString("DATABASE_DRIVER", DriverPostgres)),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			DataDir: envString("RASTEROPS_DATA_DIR", "/data"),
		},
		Jobs: JobsConfig{
			Workers:    envInt("JOB_WORKERS", 2),
			QueueSize:  envInt("JOB_QUEUE_SIZE", 64),
			TraceLines: envInt("JOB_TRACE_LINES", 20),
			StatusTTL:  envDuration("JOB_STATUS_TTL", 30*time.Minute),
		},
		Raster: RasterConfig{
			BlockSize:   envInt("RASTER_BLOCK_SIZE", 256),
			TileWorkers: envInt("RASTER_TILE_WORKERS", 1),
			FusionSeed:  envUint64("FUSION_SEED", 20260110),
			CalcCommand: os.Getenv("GDAL_CALC_COMMAND"),
		},
		GeoServer: GeoServerConfig{
			URL:       strings.TrimRight(os.Getenv("GEOSERVER_URL"), "/"),
			User:      envString("GEOSERVER_USER", "admin"),
			Password:  os.Getenv("GEOSERVER_PASSWORD"),
			Workspace: envString("GEOSERVER_WORKSPACE", "webgis"),
			Timeout:   envDuration("GEOSERVER_TIMEOUT", 60*time.Second),
		},
	}

	// SQLite keeps its catalog next to the data it describes.
	if cfg.Database.Driver == DriverSQLite && cfg.Database.URL == "" {
		cfg.Database.URL = filepath.Join(cfg.Storage.DataDir, "rasterops.sqlite")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Driver != DriverPostgres && c.Database.Driver != DriverSQLite {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("RASTEROPS_DATA_DIR must not be empty")
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("JOB_WORKERS must be at least 1, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueSize < 1 {
		return fmt.Errorf("JOB_QUEUE_SIZE must be at least 1, got %d", c.Jobs.QueueSize)
	}
	if c.Jobs.TraceLines < 0 {
		return fmt.Errorf("JOB_TRACE_LINES must not be negative, got %d", c.Jobs.TraceLines)
	}

	if c.Raster.BlockSize < 1 {
		return fmt.Errorf("RASTER_BLOCK_SIZE must be positive, got %d", c.Raster.BlockSize)
	}
	if c.Raster.TileWorkers < 1 {
		return fmt.Errorf("RASTER_TILE_WORKERS must be at least 1, got %d", c.Raster.TileWorkers)
	}

	if c.GeoServer.Enabled() && !strings.HasPrefix(c.GeoServer.URL, "http://") && !strings.HasPrefix(c.GeoServer.URL, "https://") {
		return fmt.Errorf("GEOSERVER_URL must start with http:// or https://, got %q", c.GeoServer.URL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envUint64(key string, defaultVal uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return u
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated value, dropping empty items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
